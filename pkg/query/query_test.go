package query_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore/sqlite"
	"github.com/trustplane/trustplane/pkg/projection"
	"github.com/trustplane/trustplane/pkg/query"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const testInstance = "inst-1"

type fixture struct {
	cmds    *command.Commands
	runner  *projection.Runner
	queries *query.Queries
}

func newFixture(t *testing.T) *fixture {
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
	)

	ctx := context.Background()
	checkpoints, err := projection.NewCheckpointStore(ctx, store.DB())
	require.NoError(t, err)
	runner, err := projection.NewRunner(ctx, store, checkpoints, projection.All(),
		projection.WithRunnerLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)

	return &fixture{cmds: cmds, runner: runner, queries: query.New(store.DB())}
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

func TestUserLookups(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	details, err := f.cmds.AddHumanUser(ctx, org.ID, command.HumanUser{
		Username:    "Alice",
		DisplayName: "Alice A.",
		Email:       "alice@acme.example",
	})
	require.NoError(t, err)
	f.sync(t)

	byID, err := f.queries.UserByID(context.Background(), testInstance, details.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
	assert.Equal(t, "human", byID.Type)

	byName, err := f.queries.UserByUsername(context.Background(), testInstance, org.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, details.ID, byName.ID)

	_, err = f.queries.UserByID(context.Background(), testInstance, "missing")
	assert.True(t, zerrors.IsNotFound(err))

	// other instances never see the row
	_, err = f.queries.UserByID(context.Background(), "inst-2", details.ID)
	assert.True(t, zerrors.IsNotFound(err))

	users, err := f.queries.SearchUsers(context.Background(), testInstance, org.ID, query.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestAppByClientID(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	added, err := f.cmds.AddOIDCApplication(ctx, org.ID, command.OIDCApp{
		Name:         "Web",
		RedirectURIs: []string{"https://app.acme.example/callback"},
		AuthMethod:   command.AuthMethodClientSecretBasic,
	})
	require.NoError(t, err)
	f.sync(t)

	app, err := f.queries.AppByClientID(context.Background(), testInstance, added.ClientID)
	require.NoError(t, err)
	assert.Equal(t, added.AppID, app.ID)
	assert.Equal(t, []string{"https://app.acme.example/callback"}, app.RedirectURIs)
	assert.Equal(t, []string{"authorization_code"}, app.GrantTypes)
	assert.NotEmpty(t, app.SecretHash)

	_, err = f.queries.AppByClientID(context.Background(), testInstance, "unknown")
	assert.True(t, zerrors.IsNotFound(err))
}

func TestOrgByDomain(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	_, err = f.cmds.AddOrgDomain(ctx, org.ID, "acme.example")
	require.NoError(t, err)
	f.sync(t)

	// unverified domains resolve nothing
	_, err = f.queries.OrgByDomain(context.Background(), testInstance, "acme.example")
	assert.True(t, zerrors.IsNotFound(err))

	_, err = f.cmds.VerifyOrgDomain(ctx, org.ID, "acme.example")
	require.NoError(t, err)
	f.sync(t)

	resolved, err := f.queries.OrgByDomain(context.Background(), testInstance, "acme.example")
	require.NoError(t, err)
	assert.Equal(t, org.ID, resolved.ID)
}

func TestDeviceAuthResolverWiring(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("user-7")

	added, err := f.cmds.AddDeviceAuth(ctx, "tv", []string{"openid"})
	require.NoError(t, err)
	f.sync(t)

	grant, err := f.queries.DeviceAuthByUserCode(context.Background(), testInstance, added.UserCode)
	require.NoError(t, err)
	assert.Equal(t, added.DeviceCode, grant.DeviceCode)
	assert.Equal(t, "pending", grant.State)
	assert.Equal(t, []string{"openid"}, grant.Scope)
}

func TestTokensByUser(t *testing.T) {
	f := newFixture(t)
	ctx := testCtx("admin")

	_, _, err := f.cmds.AddToken(ctx, command.TokenInput{
		TokenType: command.TokenTypeAccess,
		ClientID:  "web",
		UserID:    "user-1",
		Scope:     []string{"openid"},
		Lifetime:  time.Hour,
	})
	require.NoError(t, err)
	refreshID, _, err := f.cmds.AddToken(ctx, command.TokenInput{
		TokenType: command.TokenTypeRefresh,
		ClientID:  "web",
		UserID:    "user-1",
		Lifetime:  24 * time.Hour,
	})
	require.NoError(t, err)
	_, err = f.cmds.RevokeToken(ctx, refreshID, "admin")
	require.NoError(t, err)
	f.sync(t)

	tokens, err := f.queries.TokensByUser(context.Background(), testInstance, "user-1", query.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	revoked := 0
	for _, tk := range tokens {
		if tk.Revoked {
			revoked++
		}
	}
	assert.Equal(t, 1, revoked)
}
