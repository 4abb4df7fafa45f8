package oidc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	dpopHeaderType = "dpop+jwt"
	// dpopProofWindow bounds how far a proof's iat may drift from the
	// server clock in either direction.
	dpopProofWindow = time.Minute
)

// DPoPProof is a validated RFC 9449 proof.
type DPoPProof struct {
	// JKT is the RFC 7638 SHA-256 thumbprint of the proof's public key,
	// base64url encoded. Tokens issued against the proof are bound to it.
	JKT string
	JTI string
}

// DPoPValidator checks DPoP proof JWTs and remembers seen jti values so a
// captured proof cannot be replayed inside its freshness window.
type DPoPValidator struct {
	now    func() time.Time
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// DPoPOption configures a DPoPValidator.
type DPoPOption func(*DPoPValidator)

// WithDPoPNowFunc overrides the clock, for tests.
func WithDPoPNowFunc(now func() time.Time) DPoPOption {
	return func(v *DPoPValidator) { v.now = now }
}

// NewDPoPValidator creates a validator with an in-memory replay cache.
func NewDPoPValidator(opts ...DPoPOption) *DPoPValidator {
	v := &DPoPValidator{
		now:    time.Now,
		window: dpopProofWindow,
		seen:   map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type dpopClaims struct {
	jwt.RegisteredClaims
	HTTPMethod string `json:"htm"`
	HTTPURI    string `json:"htu"`
	ATH        string `json:"ath,omitempty"`
}

// Validate checks one proof against the request it accompanies. accessToken
// is empty on the token endpoint and set on resource requests, where the
// proof must carry the token's ath hash.
func (v *DPoPValidator) Validate(proof, httpMethod, httpURI, accessToken string) (*DPoPProof, error) {
	claims := &dpopClaims{}
	var jkt string
	token, err := jwt.ParseWithClaims(proof, claims, func(t *jwt.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != dpopHeaderType {
			return nil, fmt.Errorf("typ header is %q, want %q", t.Header["typ"], dpopHeaderType)
		}
		switch t.Method.(type) {
		case *jwt.SigningMethodECDSA, *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodEd25519:
		default:
			return nil, fmt.Errorf("alg %q is not an asymmetric signature", t.Method.Alg())
		}
		rawJWK, ok := t.Header["jwk"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("jwk header missing")
		}
		key, thumbprint, err := publicKeyFromJWK(rawJWK)
		if err != nil {
			return nil, err
		}
		jkt = thumbprint
		return key, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !token.Valid {
		return nil, NewError(ErrorInvalidDPoPProof, "proof signature invalid")
	}

	if claims.ID == "" {
		return nil, NewError(ErrorInvalidDPoPProof, "proof has no jti")
	}
	if claims.IssuedAt == nil {
		return nil, NewError(ErrorInvalidDPoPProof, "proof has no iat")
	}
	now := v.now()
	if drift := now.Sub(claims.IssuedAt.Time); drift > v.window || drift < -v.window {
		return nil, NewError(ErrorInvalidDPoPProof, "proof issued outside the acceptance window")
	}
	if !strings.EqualFold(claims.HTTPMethod, httpMethod) {
		return nil, NewError(ErrorInvalidDPoPProof, "htm does not match the request method")
	}
	if !sameHTU(claims.HTTPURI, httpURI) {
		return nil, NewError(ErrorInvalidDPoPProof, "htu does not match the request URI")
	}
	if accessToken != "" {
		hash := sha256.Sum256([]byte(accessToken))
		if claims.ATH != base64.RawURLEncoding.EncodeToString(hash[:]) {
			return nil, NewError(ErrorInvalidDPoPProof, "ath does not match the presented token")
		}
	}
	if err := v.remember(claims.ID, now); err != nil {
		return nil, err
	}
	return &DPoPProof{JKT: jkt, JTI: claims.ID}, nil
}

func (v *DPoPValidator) remember(jti string, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, seenAt := range v.seen {
		if now.Sub(seenAt) > 2*v.window {
			delete(v.seen, id)
		}
	}
	if _, replayed := v.seen[jti]; replayed {
		return NewError(ErrorInvalidDPoPProof, "proof jti already used")
	}
	v.seen[jti] = now
	return nil
}

// sameHTU compares htu per RFC 9449: scheme, host and path, ignoring query
// and fragment.
func sameHTU(claimed, actual string) bool {
	cu, err := url.Parse(claimed)
	if err != nil {
		return false
	}
	au, err := url.Parse(actual)
	if err != nil {
		return false
	}
	return strings.EqualFold(cu.Scheme, au.Scheme) &&
		strings.EqualFold(cu.Host, au.Host) &&
		cu.Path == au.Path
}

// publicKeyFromJWK decodes the proof's embedded key and computes its
// RFC 7638 thumbprint over the required members in lexicographic order.
func publicKeyFromJWK(raw map[string]any) (any, string, error) {
	kty, _ := raw["kty"].(string)
	switch kty {
	case "EC":
		crv, _ := raw["crv"].(string)
		if crv != "P-256" {
			return nil, "", fmt.Errorf("unsupported curve %q", crv)
		}
		xs, _ := raw["x"].(string)
		ys, _ := raw["y"].(string)
		x, err := jwkBigInt(raw, "x")
		if err != nil {
			return nil, "", err
		}
		y, err := jwkBigInt(raw, "y")
		if err != nil {
			return nil, "", err
		}
		key := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		thumb := jwkThumbprint(fmt.Sprintf(`{"crv":%q,"kty":"EC","x":%q,"y":%q}`, crv, xs, ys))
		return key, thumb, nil
	case "RSA":
		ns, _ := raw["n"].(string)
		es, _ := raw["e"].(string)
		n, err := jwkBigInt(raw, "n")
		if err != nil {
			return nil, "", err
		}
		e, err := jwkBigInt(raw, "e")
		if err != nil {
			return nil, "", err
		}
		key := &rsa.PublicKey{N: n, E: int(e.Int64())}
		thumb := jwkThumbprint(fmt.Sprintf(`{"e":%q,"kty":"RSA","n":%q}`, es, ns))
		return key, thumb, nil
	default:
		return nil, "", fmt.Errorf("unsupported kty %q", kty)
	}
}

func jwkBigInt(raw map[string]any, member string) (*big.Int, error) {
	s, _ := raw[member].(string)
	if s == "" {
		return nil, fmt.Errorf("jwk member %q missing", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("jwk member %q is not base64url: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

func jwkThumbprint(canonical string) string {
	hash := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// JWKFromECDSA renders a public key as its JWK map, the shape clients embed
// in proof headers. Exposed for tests and the signing key's JWKS document.
func JWKFromECDSA(key *ecdsa.PublicKey) map[string]any {
	byteLen := (key.Curve.Params().BitSize + 7) / 8
	x := key.X.FillBytes(make([]byte, byteLen))
	y := key.Y.FillBytes(make([]byte, byteLen))
	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}
}

// Thumbprint computes the RFC 7638 thumbprint of a JWK map.
func Thumbprint(raw map[string]any) (string, error) {
	_, thumb, err := publicKeyFromJWK(raw)
	if err != nil {
		return "", err
	}
	return thumb, nil
}
