package oidc_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/eventstore/sqlite"
	"github.com/trustplane/trustplane/pkg/idp"
	"github.com/trustplane/trustplane/pkg/oidc"
	"github.com/trustplane/trustplane/pkg/projection"
	"github.com/trustplane/trustplane/pkg/query"
)

const testInstance = "inst-1"

type fixture struct {
	cmds    *command.Commands
	runner  *projection.Runner
	queries *query.Queries
	engine  *oidc.TokenEngine
}

func newFixture(t *testing.T, engineOpts ...oidc.EngineOption) *fixture {
	t.Helper()

	store, err := sqlite.New(sqlite.WithMemory(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	seq := 0
	cmds := command.New(store,
		command.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("agg-%03d", seq)
		}),
		command.WithLogger(slog.New(slog.DiscardHandler)),
		command.WithDeviceAuthDefaults(time.Hour, 0, "https://login.example/device"),
	)

	ctx := context.Background()
	checkpoints, err := projection.NewCheckpointStore(ctx, store.DB())
	require.NoError(t, err)
	runner, err := projection.NewRunner(ctx, store, checkpoints, projection.All(),
		projection.WithRunnerLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)

	queries := query.New(store.DB())
	engine := oidc.NewTokenEngine(cmds, queries, engineOpts...)
	return &fixture{cmds: cmds, runner: runner, queries: queries, engine: engine}
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))
}

func testCtx(userID string) context.Context {
	return authctx.WithContext(context.Background(), authctx.Context{
		InstanceID: testInstance,
		UserID:     userID,
	})
}

func oauthCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	var oerr *oidc.Error
	require.ErrorAs(t, err, &oerr)
	return oerr.Code
}

func TestClientCredentialsGrant(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	added, err := f.cmds.AddOIDCApplication(ctx, org.ID, command.OIDCApp{
		Name:         "Backend",
		RedirectURIs: []string{"https://backend.acme.example/cb"},
		GrantTypes:   []string{"authorization_code", "client_credentials"},
		AuthMethod:   command.AuthMethodClientSecretBasic,
	})
	require.NoError(t, err)
	f.sync(t)

	resp, err := f.engine.ClientCredentials(ctx, added.ClientID, added.ClientSecret, []string{"api"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "api", resp.Scope)
	assert.Empty(t, resp.RefreshToken)

	intro, err := f.engine.Introspect(ctx, resp.AccessTokenID)
	require.NoError(t, err)
	assert.True(t, intro.Active)
	assert.Equal(t, added.ClientID, intro.Subject)
	assert.Equal(t, added.ClientID, intro.ClientID)

	_, err = f.engine.ClientCredentials(ctx, added.ClientID, "wrong-secret", nil)
	assert.Equal(t, oidc.ErrorInvalidClient, oauthCode(t, err))

	_, err = f.engine.ClientCredentials(ctx, "no-such-client", "secret", nil)
	assert.Equal(t, oidc.ErrorInvalidClient, oauthCode(t, err))
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	user, err := f.cmds.AddHumanUser(ctx, org.ID, command.HumanUser{
		Username:    "alice",
		DisplayName: "Alice",
		Email:       "alice@acme.example",
		Password:    "correct-horse-battery-staple-99",
	})
	require.NoError(t, err)
	app, err := f.cmds.AddOIDCApplication(ctx, org.ID, command.OIDCApp{
		Name:         "Web",
		RedirectURIs: []string{"https://app.acme.example/cb"},
		AuthMethod:   command.AuthMethodNone,
	})
	require.NoError(t, err)

	verifier := "0123456789-0123456789-0123456789-0123456789"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	reqDetails, err := f.cmds.AddAuthRequest(ctx, command.AuthRequest{
		ClientID:            app.ClientID,
		RedirectURI:         "https://app.acme.example/cb",
		Scope:               []string{"openid", "offline_access"},
		ResponseType:        "code",
		CodeChallenge:       challenge,
		CodeChallengeMethod: crypto.CodeChallengeMethodS256,
		OrgID:               org.ID,
	})
	require.NoError(t, err)
	_, err = f.cmds.SelectUser(ctx, reqDetails.ID, user.ID, org.ID)
	require.NoError(t, err)
	_, err = f.cmds.CheckPassword(ctx, reqDetails.ID, "correct-horse-battery-staple-99")
	require.NoError(t, err)
	code, _, err := f.cmds.SucceedAuthRequest(ctx, reqDetails.ID)
	require.NoError(t, err)

	resp, err := f.engine.ExchangeAuthorizationCode(ctx, reqDetails.ID, code, verifier, "")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "openid offline_access", resp.Scope)

	intro, err := f.engine.Introspect(ctx, resp.AccessTokenID)
	require.NoError(t, err)
	assert.True(t, intro.Active)
	assert.Equal(t, user.ID, intro.Subject)

	// the code is single-use
	_, err = f.engine.ExchangeAuthorizationCode(ctx, reqDetails.ID, code, verifier, "")
	assert.Equal(t, oidc.ErrorInvalidGrant, oauthCode(t, err))

	rotated, err := f.engine.Refresh(ctx, resp.RefreshTokenID)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, resp.RefreshTokenID, rotated.RefreshTokenID)

	// the redeemed refresh token is revoked by the rotation
	_, err = f.engine.Refresh(ctx, resp.RefreshTokenID)
	assert.Equal(t, oidc.ErrorInvalidGrant, oauthCode(t, err))
}

func TestAuthorizationCodeRejectsWrongVerifier(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	user, err := f.cmds.AddHumanUser(ctx, org.ID, command.HumanUser{
		Username: "bob",
		Email:    "bob@acme.example",
		Password: "correct-horse-battery-staple-99",
	})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("the-real-verifier-the-real-verifier-42"))
	reqDetails, err := f.cmds.AddAuthRequest(ctx, command.AuthRequest{
		ClientID:            "web",
		RedirectURI:         "https://app.acme.example/cb",
		CodeChallenge:       base64.RawURLEncoding.EncodeToString(sum[:]),
		CodeChallengeMethod: crypto.CodeChallengeMethodS256,
		OrgID:               org.ID,
	})
	require.NoError(t, err)
	_, err = f.cmds.SelectUser(ctx, reqDetails.ID, user.ID, org.ID)
	require.NoError(t, err)
	_, err = f.cmds.CheckPassword(ctx, reqDetails.ID, "correct-horse-battery-staple-99")
	require.NoError(t, err)
	code, _, err := f.cmds.SucceedAuthRequest(ctx, reqDetails.ID)
	require.NoError(t, err)

	_, err = f.engine.ExchangeAuthorizationCode(ctx, reqDetails.ID, code, "not-the-verifier-not-the-verifier-00", "")
	assert.Equal(t, oidc.ErrorInvalidGrant, oauthCode(t, err))
}

func TestDeviceCodeGrant(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("user-9")

	added, err := f.cmds.AddDeviceAuth(ctx, "tv-app", []string{"openid"})
	require.NoError(t, err)

	_, err = f.engine.ExchangeDeviceCode(ctx, added.DeviceCode, "tv-app", "")
	assert.Equal(t, oidc.ErrorAuthorizationPending, oauthCode(t, err))

	// polling under another client identity is a client error, not a grant error
	_, err = f.engine.ExchangeDeviceCode(ctx, added.DeviceCode, "other-client", "")
	assert.Equal(t, oidc.ErrorInvalidClient, oauthCode(t, err))

	_, err = f.cmds.ApproveDeviceAuth(ctx, added.UserCode, "user-9")
	require.NoError(t, err)

	resp, err := f.engine.ExchangeDeviceCode(ctx, added.DeviceCode, "tv-app", "")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)

	intro, err := f.engine.Introspect(ctx, resp.AccessTokenID)
	require.NoError(t, err)
	assert.True(t, intro.Active)
	assert.Equal(t, "user-9", intro.Subject)

	// a completed grant cannot be exchanged again
	_, err = f.engine.ExchangeDeviceCode(ctx, added.DeviceCode, "tv-app", "")
	assert.Equal(t, oidc.ErrorInvalidGrant, oauthCode(t, err))
}

func TestDeniedDeviceGrant(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("user-9")

	added, err := f.cmds.AddDeviceAuth(ctx, "tv-app", nil)
	require.NoError(t, err)
	_, err = f.cmds.DenyDeviceAuth(ctx, added.UserCode, "user-9")
	require.NoError(t, err)

	_, err = f.engine.ExchangeDeviceCode(ctx, added.DeviceCode, "tv-app", "")
	assert.Equal(t, oidc.ErrorAccessDenied, oauthCode(t, err))
}

func TestIntrospectInactiveTokens(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	// unknown tokens answer active=false, not an error
	intro, err := f.engine.Introspect(ctx, "no-such-token")
	require.NoError(t, err)
	assert.False(t, intro.Active)

	tokenID, _, err := f.cmds.AddToken(ctx, command.TokenInput{
		TokenType: command.TokenTypeAccess,
		ClientID:  "web",
		UserID:    "user-1",
		Lifetime:  time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.Revoke(ctx, tokenID, "admin"))

	intro, err = f.engine.Introspect(ctx, tokenID)
	require.NoError(t, err)
	assert.False(t, intro.Active)

	// revocation is not idempotent
	err = f.engine.Revoke(ctx, tokenID, "admin")
	assert.Equal(t, oidc.ErrorInvalidGrant, oauthCode(t, err))
}

func TestJWTAccessTokens(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f := newFixture(t,
		oidc.WithIssuer("https://issuer.example"),
		oidc.WithSigningKey(key, "key-1"),
	)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	added, err := f.cmds.AddOIDCApplication(ctx, org.ID, command.OIDCApp{
		Name:         "Backend",
		RedirectURIs: []string{"https://backend.acme.example/cb"},
		GrantTypes:   []string{"client_credentials"},
	})
	require.NoError(t, err)
	f.sync(t)

	resp, err := f.engine.ClientCredentials(ctx, added.ClientID, added.ClientSecret, []string{"api"})
	require.NoError(t, err)
	require.NotEqual(t, resp.AccessTokenID, resp.AccessToken)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(resp.AccessToken, claims, func(t *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	assert.Equal(t, "https://issuer.example", claims["iss"])
	assert.Equal(t, resp.AccessTokenID, claims["jti"])
	assert.Equal(t, added.ClientID, claims["client_id"])
	assert.Equal(t, "key-1", parsed.Header["kid"])

	// the jti resolves through introspection
	intro, err := f.engine.Introspect(ctx, resp.AccessTokenID)
	require.NoError(t, err)
	assert.True(t, intro.Active)
	assert.Equal(t, "https://issuer.example", intro.Issuer)
}

func TestOpenIDScopeIssuesIDToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f := newFixture(t,
		oidc.WithIssuer("https://issuer.example"),
		oidc.WithSigningKey(key, "key-1"),
	)
	ctx := testCtx("user-9")

	added, err := f.cmds.AddDeviceAuth(ctx, "tv-app", []string{"openid"})
	require.NoError(t, err)
	_, err = f.cmds.ApproveDeviceAuth(ctx, added.UserCode, "user-9")
	require.NoError(t, err)

	resp, err := f.engine.ExchangeDeviceCode(ctx, added.DeviceCode, "tv-app", "")
	require.NoError(t, err)
	require.NotEmpty(t, resp.IDToken)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(resp.IDToken, claims, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	assert.Equal(t, "https://issuer.example", claims["iss"])
	assert.Equal(t, "user-9", claims["sub"])
	assert.Equal(t, "tv-app", claims["aud"])

	// without the openid scope the grant stays plain OAuth
	plain, err := f.cmds.AddDeviceAuth(ctx, "tv-app", nil)
	require.NoError(t, err)
	_, err = f.cmds.ApproveDeviceAuth(ctx, plain.UserCode, "user-9")
	require.NoError(t, err)
	plainResp, err := f.engine.ExchangeDeviceCode(ctx, plain.DeviceCode, "tv-app", "")
	require.NoError(t, err)
	assert.Empty(t, plainResp.IDToken)
}

func signedAssertion(t *testing.T, key *ecdsa.PrivateKey, issuer, subject, audience string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
		"aud": audience,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestJWTBearerGrant(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f := newFixture(t,
		oidc.WithIssuer("https://issuer.example"),
		oidc.WithAssertionKeys(func(*jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}),
	)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	_, err = f.cmds.AddJWTIDP(ctx, org.ID, "Legacy", idp.JWTConfig{
		Issuer:       "https://legacy.example",
		JWTEndpoint:  "https://legacy.example/jwt",
		KeysEndpoint: "https://legacy.example/keys",
	}, idp.Options{})
	require.NoError(t, err)
	f.sync(t)

	assertion := signedAssertion(t, key, "https://legacy.example", "external-7", "https://issuer.example", time.Now().Add(5*time.Minute))
	resp, err := f.engine.ExchangeJWTBearer(ctx, "backend", org.ID, assertion, []string{"api"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)

	intro, err := f.engine.Introspect(ctx, resp.AccessTokenID)
	require.NoError(t, err)
	assert.True(t, intro.Active)
	assert.Equal(t, "external-7", intro.Subject)
	assert.Equal(t, "backend", intro.ClientID)

	// an issuer without a registered provider is not trusted
	rogue := signedAssertion(t, key, "https://rogue.example", "external-7", "https://issuer.example", time.Now().Add(5*time.Minute))
	_, err = f.engine.ExchangeJWTBearer(ctx, "backend", org.ID, rogue, nil, "")
	assert.Equal(t, oidc.ErrorInvalidGrant, oauthCode(t, err))

	// expired assertions fail before the provider lookup
	expired := signedAssertion(t, key, "https://legacy.example", "external-7", "https://issuer.example", time.Now().Add(-time.Minute))
	_, err = f.engine.ExchangeJWTBearer(ctx, "backend", org.ID, expired, nil, "")
	assert.Equal(t, oidc.ErrorInvalidGrant, oauthCode(t, err))

	// the audience must name this issuer
	elsewhere := signedAssertion(t, key, "https://legacy.example", "external-7", "https://elsewhere.example", time.Now().Add(5*time.Minute))
	_, err = f.engine.ExchangeJWTBearer(ctx, "backend", org.ID, elsewhere, nil, "")
	assert.Equal(t, oidc.ErrorInvalidGrant, oauthCode(t, err))

	// without configured keys the grant is unsupported
	bare := newFixture(t)
	_, err = bare.engine.ExchangeJWTBearer(ctx, "backend", org.ID, assertion, nil, "")
	assert.Equal(t, oidc.ErrorUnsupportedGrantType, oauthCode(t, err))
}

func dpopProof(t *testing.T, key *ecdsa.PrivateKey, jti, htm, htu string, iat time.Time, accessToken string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"jti": jti,
		"htm": htm,
		"htu": htu,
		"iat": iat.Unix(),
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = oidc.JWKFromECDSA(&key.PublicKey)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestDPoPProofValidation(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := oidc.NewDPoPValidator()
	endpoint := "https://issuer.example/oauth/token"

	proof := dpopProof(t, key, "jti-1", "POST", endpoint, time.Now(), "")
	validated, err := v.Validate(proof, "POST", endpoint, "")
	require.NoError(t, err)
	assert.Equal(t, "jti-1", validated.JTI)

	wantJKT, err := oidc.Thumbprint(oidc.JWKFromECDSA(&key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, wantJKT, validated.JKT)

	// the same jti cannot be presented twice
	_, err = v.Validate(proof, "POST", endpoint, "")
	assert.Equal(t, oidc.ErrorInvalidDPoPProof, oauthCode(t, err))

	_, err = v.Validate(dpopProof(t, key, "jti-2", "GET", endpoint, time.Now(), ""), "POST", endpoint, "")
	assert.Equal(t, oidc.ErrorInvalidDPoPProof, oauthCode(t, err))

	_, err = v.Validate(dpopProof(t, key, "jti-3", "POST", "https://elsewhere.example/token", time.Now(), ""), "POST", endpoint, "")
	assert.Equal(t, oidc.ErrorInvalidDPoPProof, oauthCode(t, err))

	_, err = v.Validate(dpopProof(t, key, "jti-4", "POST", endpoint, time.Now().Add(-time.Hour), ""), "POST", endpoint, "")
	assert.Equal(t, oidc.ErrorInvalidDPoPProof, oauthCode(t, err))

	// htu comparison ignores the query string
	_, err = v.Validate(dpopProof(t, key, "jti-5", "POST", endpoint+"?foo=bar", time.Now(), ""), "POST", endpoint, "")
	require.NoError(t, err)
}

func TestDPoPBoundResourceProof(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := oidc.NewDPoPValidator()
	resource := "https://api.example/things"

	proof := dpopProof(t, key, "jti-r1", "GET", resource, time.Now(), "the-access-token")
	_, err = v.Validate(proof, "GET", resource, "the-access-token")
	require.NoError(t, err)

	proof = dpopProof(t, key, "jti-r2", "GET", resource, time.Now(), "the-access-token")
	_, err = v.Validate(proof, "GET", resource, "a-different-token")
	assert.Equal(t, oidc.ErrorInvalidDPoPProof, oauthCode(t, err))
}

func TestRegisterClient(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)

	resp, err := f.engine.RegisterClient(ctx, org.ID, oidc.ClientMetadata{
		ClientName:   "Mobile",
		RedirectURIs: []string{"https://mobile.acme.example/cb"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ClientID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, command.AuthMethodClientSecretBasic, resp.TokenEndpointAuthMethod)

	// the secret never expires and the response says so explicitly
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"client_secret_expires_at":0`)

	// external assertions are a registrable grant
	resp, err = f.engine.RegisterClient(ctx, org.ID, oidc.ClientMetadata{
		ClientName:   "Importer",
		RedirectURIs: []string{"https://importer.acme.example/cb"},
		GrantTypes:   []string{"urn:ietf:params:oauth:grant-type:jwt-bearer"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:ietf:params:oauth:grant-type:jwt-bearer"}, resp.GrantTypes)

	// public clients get no secret
	resp, err = f.engine.RegisterClient(ctx, org.ID, oidc.ClientMetadata{
		ClientName:              "SPA",
		RedirectURIs:            []string{"https://spa.acme.example/cb"},
		TokenEndpointAuthMethod: command.AuthMethodNone,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.ClientSecret)

	_, err = f.engine.RegisterClient(ctx, org.ID, oidc.ClientMetadata{
		ClientName:   "Bad",
		RedirectURIs: []string{"http://evil.example/cb"},
	})
	assert.Equal(t, oidc.ErrorInvalidRedirectURI, oauthCode(t, err))

	_, err = f.engine.RegisterClient(ctx, org.ID, oidc.ClientMetadata{
		ClientName:   "Bad",
		RedirectURIs: []string{"https://ok.example/cb"},
		GrantTypes:   []string{"implicit"},
	})
	assert.Equal(t, oidc.ErrorInvalidClientMetadata, oauthCode(t, err))

	_, err = f.engine.RegisterClient(ctx, org.ID, oidc.ClientMetadata{
		RedirectURIs: []string{"https://ok.example/cb"},
	})
	assert.Equal(t, oidc.ErrorInvalidClientMetadata, oauthCode(t, err))
}
