package idp

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const appleAudience = "https://appleid.apple.com"

// Apple limits client secrets to six months.
const appleSecretLifetime = 180 * 24 * time.Hour

// AppleInput is the material Apple hands out for a Sign in with Apple
// service: the client (service) ID plus the signing key of the team.
type AppleInput struct {
	ClientID   string
	TeamID     string
	KeyID      string
	PrivateKey []byte // PEM, PKCS#8 or SEC 1
}

// NewApple synthesizes the OIDC config of an Apple provider. Apple has no
// static client secret; it is an ES256 JWT signed with the team's key.
func NewApple(input AppleInput, now time.Time) (OIDCConfig, error) {
	key, err := parseECPrivateKey(input.PrivateKey)
	if err != nil {
		return OIDCConfig{}, err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": input.TeamID,
		"iat": now.Unix(),
		"exp": now.Add(appleSecretLifetime).Unix(),
		"aud": appleAudience,
		"sub": input.ClientID,
	})
	token.Header["kid"] = input.KeyID

	secret, err := token.SignedString(key)
	if err != nil {
		return OIDCConfig{}, err
	}
	return OIDCConfig{
		Issuer:       appleAudience,
		ClientID:     input.ClientID,
		ClientSecret: secret,
		Scopes:       []string{"name", "email"},
	}, nil
}

func parseECPrivateKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not an EC key")
	}
	return key, nil
}
