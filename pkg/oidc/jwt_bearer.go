package oidc

import (
	"context"
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/idp"
)

// WithAssertionKeys enables the jwt-bearer grant. The keyfunc resolves the
// verification key of an assertion, typically a cached JWKS client over the
// registered providers' keys endpoints.
func WithAssertionKeys(keys jwt.Keyfunc) EngineOption {
	return func(e *TokenEngine) { e.assertionKeys = keys }
}

// Signature algorithms accepted on assertions. Symmetric methods are
// excluded, a shared secret cannot prove an external issuer.
var assertionMethods = []string{
	"ES256", "ES384", "ES512",
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"EdDSA",
}

// ExchangeJWTBearer redeems an externally issued assertion (RFC 7523). The
// assertion must verify against the configured keys, expire, carry this
// engine's issuer in its audience, and name an issuer registered as an
// active JWT identity provider visible to the organization. Its sub becomes
// the token's subject.
func (e *TokenEngine) ExchangeJWTBearer(ctx context.Context, clientID, orgID, assertion string, scope []string, dpopJKT string) (*TokenResponse, error) {
	if e.assertionKeys == nil {
		return nil, NewError(ErrorUnsupportedGrantType, "jwt-bearer grant is not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(assertionMethods),
		jwt.WithAudience(e.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(e.now),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(assertion, claims, e.assertionKeys); err != nil {
		return nil, NewError(ErrorInvalidGrant, "assertion rejected")
	}
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, NewError(ErrorInvalidGrant, "assertion carries no issuer")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, NewError(ErrorInvalidGrant, "assertion carries no subject")
	}
	if err := e.trustedJWTIssuer(ctx, orgID, issuer); err != nil {
		return nil, err
	}
	return e.issue(ctx, clientID, subject, scope, dpopJKT)
}

func (e *TokenEngine) trustedJWTIssuer(ctx context.Context, orgID, issuer string) error {
	providers, err := e.queries.ActiveIDPs(ctx, authctx.InstanceID(ctx), orgID)
	if err != nil {
		return AsOAuthError(err)
	}
	for _, p := range providers {
		if p.Kind != string(idp.KindJWT) {
			continue
		}
		var cfg struct {
			JWT *idp.JWTConfig `json:"jwt"`
		}
		if err := json.Unmarshal(p.Config, &cfg); err != nil || cfg.JWT == nil {
			continue
		}
		if cfg.JWT.Issuer == issuer {
			return nil
		}
	}
	return NewError(ErrorInvalidGrant, "no identity provider trusts issuer %q", issuer)
}
