package command_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

func TestUserLifecycle(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	added, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{
		Username: "alice",
		Email:    "alice@ex.com",
		Password: "correct horse battery staple",
	})
	require.NoError(t, err)
	userID := added.ID
	assert.Equal(t, int64(1), added.Sequence)

	deactivated, err := cmds.DeactivateUser(ctx, "org-1", userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deactivated.Sequence)

	_, err = cmds.DeactivateUser(ctx, "org-1", userID)
	assert.True(t, zerrors.IsPrecondition(err), "double deactivation must fail")

	reactivated, err := cmds.ReactivateUser(ctx, "org-1", userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), reactivated.Sequence)

	renamed, err := cmds.ChangeUsername(ctx, "org-1", userID, "alice2")
	require.NoError(t, err)
	assert.Equal(t, int64(4), renamed.Sequence)

	removed, err := cmds.RemoveUser(ctx, "org-1", userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed.Sequence)

	_, err = cmds.DeactivateUser(ctx, "org-1", userID)
	assert.True(t, zerrors.IsPrecondition(err), "commands after removal must fail")
}

func TestAddHumanUserValidation(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	_, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "bob", Email: "not-an-email"})
	assert.True(t, zerrors.IsInvalidArgument(err))

	_, err = cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "", Email: "bob@ex.com"})
	assert.True(t, zerrors.IsInvalidArgument(err))

	_, err = cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "bob", Email: "bob@ex.com", Password: "abc"})
	assert.True(t, zerrors.IsInvalidArgument(err), "weak password must be rejected")
}

func TestUsernameUniquePerOrg(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	_, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "bob", Email: "bob@ex.com"})
	require.NoError(t, err)

	_, err = cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "bob", Email: "bob2@ex.com"})
	assert.True(t, zerrors.IsAlreadyExists(err), "same username in same org must collide")

	// NFKC folding makes visually identical names collide too.
	_, err = cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "BOB", Email: "bob3@ex.com"})
	assert.True(t, zerrors.IsAlreadyExists(err))

	_, err = cmds.AddHumanUser(ctx, "org-2", command.HumanUser{Username: "bob", Email: "bob@ex.com"})
	assert.NoError(t, err, "same username in another org is independent")
}

func TestUsernameReleasedOnRemove(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	added, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "carol", Email: "carol@ex.com"})
	require.NoError(t, err)
	_, err = cmds.RemoveUser(ctx, "org-1", added.ID)
	require.NoError(t, err)

	_, err = cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "carol", Email: "carol@ex.com"})
	assert.NoError(t, err, "removal must release the username")
}

func TestChangeProfileNoOp(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	added, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{
		Username:  "dave",
		FirstName: "Dave",
		LastName:  "Miller",
		Email:     "dave@ex.com",
	})
	require.NoError(t, err)

	details, err := cmds.ChangeProfile(ctx, "org-1", added.ID, "Dave", "Miller", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), details.Sequence, "identical profile must not write an event")

	details, err = cmds.ChangeProfile(ctx, "org-1", added.ID, "David", "Miller", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), details.Sequence)
}

func TestUserCrossOrgAccessIsNotFound(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	added, err := cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "erin", Email: "erin@ex.com"})
	require.NoError(t, err)

	_, err = cmds.DeactivateUser(ctx, "org-2", added.ID)
	assert.True(t, zerrors.IsNotFound(err), "foreign org must not see the user")
}

func TestMachineUserSharesUsernameSpace(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	_, err := cmds.AddMachineUser(ctx, "org-1", command.MachineUser{Name: "ci-runner"})
	require.NoError(t, err)

	_, err = cmds.AddHumanUser(ctx, "org-1", command.HumanUser{Username: "ci-runner", Email: "ci@ex.com"})
	assert.True(t, zerrors.IsAlreadyExists(err))
}
