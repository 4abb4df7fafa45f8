package command_test

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

func TestAuthRequestHappyPath(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	user, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{
		Username: "alice",
		Email:    "alice@ex.com",
		Password: "correct horse battery staple",
	})
	require.NoError(t, err)

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	req, err := cmds.AddAuthRequest(ctx, command.AuthRequest{
		ClientID:            "web",
		RedirectURI:         "https://a/cb",
		Scope:               []string{"openid", "profile"},
		ResponseType:        "code",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	_, err = cmds.SelectUser(ctx, req.ID, user.ID, "org-1")
	require.NoError(t, err)

	_, err = cmds.CheckPassword(ctx, req.ID, "correct horse battery staple")
	require.NoError(t, err)

	code, _, err := cmds.SucceedAuthRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotEmpty(t, code)

	grant, err := cmds.ExchangeAuthRequestCode(ctx, req.ID, code, verifier)
	require.NoError(t, err)
	assert.Equal(t, "web", grant.ClientID)
	assert.Equal(t, user.ID, grant.UserID)
	assert.Equal(t, []string{"openid", "profile"}, grant.Scope)

	_, err = cmds.ExchangeAuthRequestCode(ctx, req.ID, code, verifier)
	assert.True(t, zerrors.IsPrecondition(err), "authorization codes are single use")
}

func TestAuthRequestValidation(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	_, err := cmds.AddAuthRequest(ctx, command.AuthRequest{RedirectURI: "https://a/cb"})
	assert.True(t, zerrors.IsInvalidArgument(err), "client ID is required")

	_, err = cmds.AddAuthRequest(ctx, command.AuthRequest{ClientID: "web"})
	assert.True(t, zerrors.IsInvalidArgument(err), "redirect URI is required")

	_, err = cmds.AddAuthRequest(ctx, command.AuthRequest{
		ClientID: "web", RedirectURI: "https://a/cb", CodeChallengeMethod: "S512",
	})
	assert.True(t, zerrors.IsInvalidArgument(err), "unknown challenge method")
}

func TestCheckPasswordWrong(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	user, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{
		Username: "bob",
		Email:    "bob@ex.com",
		Password: "correct horse battery staple",
	})
	require.NoError(t, err)

	req, err := cmds.AddAuthRequest(ctx, command.AuthRequest{ClientID: "web", RedirectURI: "https://a/cb"})
	require.NoError(t, err)
	_, err = cmds.SelectUser(ctx, req.ID, user.ID, "org-1")
	require.NoError(t, err)

	_, err = cmds.CheckPassword(ctx, req.ID, "wrong")
	assert.True(t, zerrors.IsPermissionDenied(err))

	_, _, err = cmds.SucceedAuthRequest(ctx, req.ID)
	assert.True(t, zerrors.IsPrecondition(err), "password factor still unsatisfied")
}

func TestSucceedRequiresSelectedUser(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	req, err := cmds.AddAuthRequest(ctx, command.AuthRequest{ClientID: "web", RedirectURI: "https://a/cb"})
	require.NoError(t, err)

	_, _, err = cmds.SucceedAuthRequest(ctx, req.ID)
	assert.True(t, zerrors.IsPrecondition(err))
}

func TestFailAuthRequestTerminal(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	req, err := cmds.AddAuthRequest(ctx, command.AuthRequest{ClientID: "web", RedirectURI: "https://a/cb"})
	require.NoError(t, err)

	_, err = cmds.FailAuthRequest(ctx, req.ID, command.FailReasonAccessDenied)
	require.NoError(t, err)

	_, err = cmds.SelectUser(ctx, req.ID, "user-x", "org-1")
	assert.True(t, zerrors.IsPrecondition(err), "terminal request rejects transitions")

	_, err = cmds.FailAuthRequest(ctx, req.ID, command.FailReasonAccessDenied)
	assert.True(t, zerrors.IsPrecondition(err))
}

func TestExchangeExpiredCode(t *testing.T) {
	cmds, clock := newTestCommands(t)
	ctx := testCtx("admin")

	user, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{
		Username: "carol",
		Email:    "carol@ex.com",
		Password: "correct horse battery staple",
	})
	require.NoError(t, err)

	req, err := cmds.AddAuthRequest(ctx, command.AuthRequest{ClientID: "web", RedirectURI: "https://a/cb"})
	require.NoError(t, err)
	_, err = cmds.SelectUser(ctx, req.ID, user.ID, "org-1")
	require.NoError(t, err)
	_, err = cmds.CheckPassword(ctx, req.ID, "correct horse battery staple")
	require.NoError(t, err)

	code, _, err := cmds.SucceedAuthRequest(ctx, req.ID)
	require.NoError(t, err)

	clock.advance(2 * time.Minute)
	_, err = cmds.ExchangeAuthRequestCode(ctx, req.ID, code, "")
	assert.True(t, zerrors.IsPrecondition(err), "expired code must not exchange")
}

func TestExchangePKCEMismatch(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	user, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{
		Username: "dave",
		Email:    "dave@ex.com",
		Password: "correct horse battery staple",
	})
	require.NoError(t, err)

	req, err := cmds.AddAuthRequest(ctx, command.AuthRequest{
		ClientID:            "web",
		RedirectURI:         "https://a/cb",
		CodeChallenge:       "expected-verifier",
		CodeChallengeMethod: "plain",
	})
	require.NoError(t, err)
	_, err = cmds.SelectUser(ctx, req.ID, user.ID, "org-1")
	require.NoError(t, err)
	_, err = cmds.CheckPassword(ctx, req.ID, "correct horse battery staple")
	require.NoError(t, err)

	code, _, err := cmds.SucceedAuthRequest(ctx, req.ID)
	require.NoError(t, err)

	_, err = cmds.ExchangeAuthRequestCode(ctx, req.ID, code, "other-verifier")
	assert.True(t, zerrors.IsPermissionDenied(err), "verifier mismatch must fail")
}
