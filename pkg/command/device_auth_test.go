package command_test

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

var userCodeFormat = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)

func errorID(err error) string {
	var zerr *zerrors.Error
	if errors.As(err, &zerr) {
		return zerr.ID
	}
	return ""
}

func TestDeviceAuthHappyPath(t *testing.T) {
	cmds, clock := newTestCommands(t)
	ctx := testCtx("user-7")

	added, err := cmds.AddDeviceAuth(ctx, "tv", []string{"openid", "offline_access"})
	require.NoError(t, err)
	assert.Regexp(t, userCodeFormat, added.UserCode)
	assert.NotEmpty(t, added.DeviceCode)
	assert.Equal(t, 600, added.ExpiresIn)
	assert.Equal(t, 5, added.Interval)
	assert.Equal(t, added.VerificationURI+"?user_code="+added.UserCode, added.VerificationURIComplete)

	// first poll: pending
	_, err = cmds.ExchangeDeviceCode(ctx, added.DeviceCode, "tv")
	assert.Equal(t, command.ErrIDDeviceAuthPending, errorID(err))

	// polling again inside the interval: slow down
	_, err = cmds.ExchangeDeviceCode(ctx, added.DeviceCode, "tv")
	assert.Equal(t, command.ErrIDDeviceAuthSlowDown, errorID(err))

	clock.advance(6 * time.Second)
	_, err = cmds.ExchangeDeviceCode(ctx, added.DeviceCode, "tv")
	assert.Equal(t, command.ErrIDDeviceAuthPending, errorID(err))

	_, err = cmds.ApproveDeviceAuth(ctx, added.UserCode, "user-7")
	require.NoError(t, err)

	clock.advance(6 * time.Second)
	grant, err := cmds.ExchangeDeviceCode(ctx, added.DeviceCode, "tv")
	require.NoError(t, err)
	assert.Equal(t, "tv", grant.ClientID)
	assert.Equal(t, "user-7", grant.UserID)
	assert.Equal(t, []string{"openid", "offline_access"}, grant.Scope)

	// the grant is consumed
	_, err = cmds.ExchangeDeviceCode(ctx, added.DeviceCode, "tv")
	assert.True(t, zerrors.IsPrecondition(err))
}

func TestDeviceAuthDenied(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("user-7")

	added, err := cmds.AddDeviceAuth(ctx, "tv", nil)
	require.NoError(t, err)

	_, err = cmds.DenyDeviceAuth(ctx, added.UserCode, "user-7")
	require.NoError(t, err)

	_, err = cmds.ExchangeDeviceCode(ctx, added.DeviceCode, "tv")
	assert.Equal(t, command.ErrIDDeviceAuthDenied, errorID(err))
}

func TestDeviceAuthUserMismatch(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("user-7")

	added, err := cmds.AddDeviceAuth(ctx, "tv", nil)
	require.NoError(t, err)

	_, err = cmds.ApproveDeviceAuth(ctx, added.UserCode, "someone-else")
	assert.True(t, zerrors.IsPermissionDenied(err))
}

func TestDeviceAuthClientMismatch(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("user-7")

	added, err := cmds.AddDeviceAuth(ctx, "tv", nil)
	require.NoError(t, err)

	_, err = cmds.ExchangeDeviceCode(ctx, added.DeviceCode, "other-client")
	assert.True(t, zerrors.IsPermissionDenied(err))
	assert.Equal(t, command.ErrIDDeviceAuthClientMismatch, errorID(err))

	_, err = cmds.ExchangeDeviceCode(ctx, "unknown-device-code", "tv")
	assert.True(t, zerrors.IsNotFound(err))
}

func TestDeviceAuthExpiry(t *testing.T) {
	cmds, clock := newTestCommands(t)
	ctx := testCtx("user-7")

	added, err := cmds.AddDeviceAuth(ctx, "tv", nil)
	require.NoError(t, err)

	clock.advance(11 * time.Minute)
	_, err = cmds.ExchangeDeviceCode(ctx, added.DeviceCode, "tv")
	assert.Equal(t, command.ErrIDDeviceAuthExpired, errorID(err))

	_, err = cmds.ApproveDeviceAuth(ctx, added.UserCode, "user-7")
	assert.True(t, zerrors.IsPrecondition(err), "expired grants cannot be approved")

	// the user code was released by the expiry
	fresh, err := cmds.AddDeviceAuth(ctx, "tv", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.UserCode)
}

func TestDeviceAuthCancel(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("user-7")

	added, err := cmds.AddDeviceAuth(ctx, "tv", nil)
	require.NoError(t, err)

	_, err = cmds.CancelDeviceAuth(ctx, added.DeviceCode)
	require.NoError(t, err)

	_, err = cmds.CancelDeviceAuth(ctx, added.DeviceCode)
	assert.True(t, zerrors.IsPrecondition(err), "cancel is only valid from pending")

	_, err = cmds.ApproveDeviceAuth(ctx, added.UserCode, "user-7")
	assert.True(t, zerrors.IsPrecondition(err))
}
