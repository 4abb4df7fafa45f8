package command_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

func TestRedirectURIManagement(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	app, err := cmds.AddOIDCApplication(ctx, "org-1", command.OIDCApp{
		Name:         "web",
		RedirectURIs: []string{"https://a/cb"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, app.ClientID)
	require.NotEmpty(t, app.ClientSecret, "confidential clients get a secret")

	_, err = cmds.AddRedirectURI(ctx, "org-1", app.AppID, "https://a/cb")
	assert.True(t, zerrors.IsPrecondition(err), "duplicate redirect URI must fail")

	_, err = cmds.AddRedirectURI(ctx, "org-1", app.AppID, "https://a/cb2")
	require.NoError(t, err)

	_, err = cmds.RemoveRedirectURI(ctx, "org-1", app.AppID, "https://a/cb2")
	require.NoError(t, err)

	_, err = cmds.RemoveRedirectURI(ctx, "org-1", app.AppID, "https://a/cb")
	assert.True(t, zerrors.IsPrecondition(err), "last redirect URI must not be removable")
}

func TestRedirectURIValidation(t *testing.T) {
	assert.NoError(t, command.ValidateRedirectURI("https://app.example.com/cb"))
	assert.NoError(t, command.ValidateRedirectURI("http://localhost:8080/cb"))
	assert.NoError(t, command.ValidateRedirectURI("com.example.app:/oauth"))

	assert.Error(t, command.ValidateRedirectURI("http://example.com/cb"), "plain http is localhost only")
	assert.Error(t, command.ValidateRedirectURI("https://example.com/cb#frag"))
	assert.Error(t, command.ValidateRedirectURI("not a url"))
}

func TestAddOIDCApplicationDefaultsAndConsistency(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	_, err := cmds.AddOIDCApplication(ctx, "org-1", command.OIDCApp{
		Name:          "bad",
		RedirectURIs:  []string{"https://a/cb"},
		ResponseTypes: []string{"code"},
		GrantTypes:    []string{"client_credentials"},
	})
	assert.True(t, zerrors.IsInvalidArgument(err), "code response type needs authorization_code grant")

	app, err := cmds.AddOIDCApplication(ctx, "org-1", command.OIDCApp{
		Name:         "public",
		RedirectURIs: []string{"https://a/cb"},
		AuthMethod:   command.AuthMethodNone,
	})
	require.NoError(t, err)
	assert.Empty(t, app.ClientSecret, "public clients have no secret")
}

func TestClientIDUniqueAndReleased(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	app, err := cmds.AddOIDCApplication(ctx, "org-1", command.OIDCApp{
		Name:         "web",
		RedirectURIs: []string{"https://a/cb"},
	})
	require.NoError(t, err)

	_, err = cmds.RemoveApplication(ctx, "org-1", app.AppID)
	require.NoError(t, err)

	_, err = cmds.AddRedirectURI(ctx, "org-1", app.AppID, "https://a/cb2")
	assert.True(t, zerrors.IsPrecondition(err), "removed application rejects commands")
}

func TestRegenerateApplicationSecret(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	app, err := cmds.AddOIDCApplication(ctx, "org-1", command.OIDCApp{
		Name:         "web",
		RedirectURIs: []string{"https://a/cb"},
	})
	require.NoError(t, err)

	secret, _, err := cmds.RegenerateApplicationSecret(ctx, "org-1", app.AppID)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.NotEqual(t, app.ClientSecret, secret)
}
