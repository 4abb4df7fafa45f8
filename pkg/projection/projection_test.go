package projection_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/eventstore/sqlite"
	"github.com/trustplane/trustplane/pkg/projection"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const testInstance = "inst-1"

type fixture struct {
	store  *sqlite.Store
	cmds   *command.Commands
	runner *projection.Runner
	db     *sql.DB
}

func newFixture(t *testing.T, projections []projection.Projection) *fixture {
	t.Helper()

	store, err := sqlite.New(
		sqlite.WithMemory(),
		sqlite.WithWALMode(false),
	)
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

	runner, err := projection.NewRunner(ctx, store, checkpoints, projections,
		projection.WithRunnerLogger(slog.New(slog.DiscardHandler)),
		projection.WithMaxAttempts(2),
	)
	require.NoError(t, err)

	return &fixture{store: store, cmds: cmds, runner: runner, db: store.DB()}
}

func testCtx(userID string) context.Context {
	return authctx.WithContext(context.Background(), authctx.Context{
		InstanceID: testInstance,
		UserID:     userID,
	})
}

func TestUsersProjection(t *testing.T) {
	f := newFixture(t, []projection.Projection{projection.NewUsersProjection()})
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)

	details, err := f.cmds.AddHumanUser(ctx, org.ID, command.HumanUser{
		Username:  "Alice",
		FirstName: "Alice",
		LastName:  "Archer",
		Email:     "alice@acme.example",
	})
	require.NoError(t, err)

	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	var username, email, state, owner string
	err = f.db.QueryRow(
		`SELECT username, email, state, resource_owner FROM users WHERE instance_id = ? AND id = ?`,
		testInstance, details.ID,
	).Scan(&username, &email, &state, &owner)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
	assert.Equal(t, "alice@acme.example", email)
	assert.Equal(t, "active", state)
	assert.Equal(t, org.ID, owner)

	_, err = f.cmds.ChangeEmail(ctx, org.ID, details.ID, "archer@acme.example")
	require.NoError(t, err)
	_, err = f.cmds.DeactivateUser(ctx, org.ID, details.ID)
	require.NoError(t, err)

	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	err = f.db.QueryRow(
		`SELECT email, state FROM users WHERE instance_id = ? AND id = ?`,
		testInstance, details.ID,
	).Scan(&email, &state)
	require.NoError(t, err)
	assert.Equal(t, "archer@acme.example", email)
	assert.Equal(t, "inactive", state)

	_, err = f.cmds.ReactivateUser(ctx, org.ID, details.ID)
	require.NoError(t, err)
	_, err = f.cmds.ChangeUsername(ctx, org.ID, details.ID, "alice2")
	require.NoError(t, err)
	_, err = f.cmds.RemoveUser(ctx, org.ID, details.ID)
	require.NoError(t, err)
	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	// removal leaves a tombstone row, it does not erase history
	err = f.db.QueryRow(
		`SELECT state, username FROM users WHERE instance_id = ? AND id = ?`,
		testInstance, details.ID,
	).Scan(&state, &username)
	require.NoError(t, err)
	assert.Equal(t, "removed", state)
	assert.Equal(t, "alice2", username)
}

func TestOrgsProjection(t *testing.T) {
	f := newFixture(t, []projection.Projection{projection.NewOrgsProjection()})
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	_, err = f.cmds.AddOrgDomain(ctx, org.ID, "acme.example")
	require.NoError(t, err)
	_, err = f.cmds.VerifyOrgDomain(ctx, org.ID, "acme.example")
	require.NoError(t, err)
	_, err = f.cmds.SetPrimaryOrgDomain(ctx, org.ID, "acme.example")
	require.NoError(t, err)
	_, err = f.cmds.AddLoginPolicy(ctx, org.ID, command.LoginPolicy{PasswordRequired: true, TOTPRequired: true})
	require.NoError(t, err)

	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	var name, primaryDomain string
	var hasPolicy, totpRequired int
	err = f.db.QueryRow(
		`SELECT name, primary_domain, has_login_policy, totp_required FROM orgs WHERE instance_id = ? AND id = ?`,
		testInstance, org.ID,
	).Scan(&name, &primaryDomain, &hasPolicy, &totpRequired)
	require.NoError(t, err)
	assert.Equal(t, "Acme", name)
	assert.Equal(t, "acme.example", primaryDomain)
	assert.Equal(t, 1, hasPolicy)
	assert.Equal(t, 1, totpRequired)

	var verified, isPrimary int
	err = f.db.QueryRow(
		`SELECT verified, is_primary FROM org_domains WHERE instance_id = ? AND org_id = ? AND domain = ?`,
		testInstance, org.ID, "acme.example",
	).Scan(&verified, &isPrimary)
	require.NoError(t, err)
	assert.Equal(t, 1, verified)
	assert.Equal(t, 1, isPrimary)

	// creator membership arrived with the org.added commit
	var roles string
	err = f.db.QueryRow(
		`SELECT roles FROM org_members WHERE instance_id = ? AND org_id = ? AND user_id = ?`,
		testInstance, org.ID, "admin",
	).Scan(&roles)
	require.NoError(t, err)
	assert.Contains(t, roles, "ORG_OWNER")
}

func TestAppsProjectionClientIDLookup(t *testing.T) {
	f := newFixture(t, []projection.Projection{projection.NewAppsProjection()})
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	added, err := f.cmds.AddOIDCApplication(ctx, org.ID, command.OIDCApp{
		Name:         "Web",
		RedirectURIs: []string{"https://app.acme.example/callback"},
		AuthMethod:   command.AuthMethodClientSecretBasic,
	})
	require.NoError(t, err)

	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	var appID, secretHash string
	err = f.db.QueryRow(
		`SELECT id, secret_hash FROM apps WHERE instance_id = ? AND client_id = ?`,
		testInstance, added.ClientID,
	).Scan(&appID, &secretHash)
	require.NoError(t, err)
	assert.Equal(t, added.AppID, appID)
	assert.NotEmpty(t, secretHash)

	var uri string
	err = f.db.QueryRow(
		`SELECT uri FROM app_redirect_uris WHERE instance_id = ? AND app_id = ?`,
		testInstance, added.AppID,
	).Scan(&uri)
	require.NoError(t, err)
	assert.Equal(t, "https://app.acme.example/callback", uri)
}

func TestDeviceAuthsProjectionUserCodeLookup(t *testing.T) {
	f := newFixture(t, []projection.Projection{projection.NewDeviceAuthsProjection()})
	ctx := testCtx("user-7")

	added, err := f.cmds.AddDeviceAuth(ctx, "tv", []string{"openid"})
	require.NoError(t, err)

	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	var deviceCode, state string
	err = f.db.QueryRow(
		`SELECT device_code, state FROM device_auths WHERE instance_id = ? AND user_code = ?`,
		testInstance, added.UserCode,
	).Scan(&deviceCode, &state)
	require.NoError(t, err)
	assert.Equal(t, added.DeviceCode, deviceCode)
	assert.Equal(t, "pending", state)

	_, err = f.cmds.ApproveDeviceAuth(ctx, added.UserCode, "user-7")
	require.NoError(t, err)
	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	var userID string
	err = f.db.QueryRow(
		`SELECT state, user_id FROM device_auths WHERE instance_id = ? AND device_code = ?`,
		testInstance, added.DeviceCode,
	).Scan(&state, &userID)
	require.NoError(t, err)
	assert.Equal(t, "approved", state)
	assert.Equal(t, "user-7", userID)
}

func TestResetRebuildsProjection(t *testing.T) {
	f := newFixture(t, []projection.Projection{projection.NewUsersProjection()})
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	details, err := f.cmds.AddHumanUser(ctx, org.ID, command.HumanUser{
		Username: "alice",
		Email:    "alice@acme.example",
	})
	require.NoError(t, err)

	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))
	require.NoError(t, f.runner.Reset(context.Background(), "users", testInstance))

	var count int
	require.NoError(t, f.db.QueryRow(
		`SELECT COUNT(*) FROM users WHERE instance_id = ?`, testInstance,
	).Scan(&count))
	assert.Zero(t, count)

	// the rebuild replays the full log and lands on the same state
	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	var username string
	require.NoError(t, f.db.QueryRow(
		`SELECT username FROM users WHERE instance_id = ? AND id = ?`,
		testInstance, details.ID,
	).Scan(&username))
	assert.Equal(t, "alice", username)

	_, err = f.runner.Healthy(context.Background(), testInstance)
	require.NoError(t, err)
}

// poisonProjection fails on every user event to exercise parking.
type poisonProjection struct {
	projection.UsersProjection
}

func (*poisonProjection) Name() string { return "poison" }

func (*poisonProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	return zerrors.ThrowInternal(nil, "TEST-poison-01", "cannot reduce %s", event.EventType)
}

func TestFailingEventIsParkedAndSkipped(t *testing.T) {
	f := newFixture(t, []projection.Projection{&poisonProjection{}})
	ctx := testCtx("admin")

	org, err := f.cmds.AddOrg(ctx, "Acme")
	require.NoError(t, err)
	_, err = f.cmds.AddHumanUser(ctx, org.ID, command.HumanUser{
		Username: "alice",
		Email:    "alice@acme.example",
	})
	require.NoError(t, err)

	require.NoError(t, f.runner.Trigger(context.Background(), testInstance))

	// the checkpoint advanced past the poisoned event
	health, err := f.runner.Healthy(context.Background(), testInstance)
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Zero(t, health[0].Lag)
	assert.False(t, health[0].Stalled)

	checkpoints, err := projection.NewCheckpointStore(context.Background(), f.db)
	require.NoError(t, err)
	failed, err := checkpoints.FailedEvents(context.Background(), "poison", testInstance)
	require.NoError(t, err)
	require.NotEmpty(t, failed)
	assert.Equal(t, command.UserHumanAddedType, failed[len(failed)-1].EventType)
	assert.Equal(t, 2, failed[0].Attempts)
}

func TestCheckpointRoundTrip(t *testing.T) {
	store, err := sqlite.New(sqlite.WithMemory(), sqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	checkpoints, err := projection.NewCheckpointStore(ctx, store.DB())
	require.NoError(t, err)

	cp, err := checkpoints.Load(ctx, "users", testInstance)
	require.NoError(t, err)
	assert.True(t, cp.Position.IsZero())

	cp.Position = eventstore.Position{Commit: 7, InTxOrder: 2}
	cp.EventTimestamp = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cp.LastRunAt = cp.EventTimestamp
	cp.Status = projection.StatusRunning

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, checkpoints.SaveInTx(ctx, tx, cp))
	require.NoError(t, tx.Commit())

	loaded, err := checkpoints.Load(ctx, "users", testInstance)
	require.NoError(t, err)
	assert.Equal(t, cp.Position, loaded.Position)
	assert.Equal(t, cp.EventTimestamp, loaded.EventTimestamp)
}
