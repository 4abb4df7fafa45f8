package command_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

func TestTokenRevokeNotIdempotent(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	tokenID, _, err := cmds.AddToken(ctx, command.TokenInput{
		TokenType: command.TokenTypeAccess,
		ClientID:  "web",
		UserID:    "user-1",
		Scope:     []string{"openid", "profile"},
		Lifetime:  time.Hour,
	})
	require.NoError(t, err)

	readout, err := cmds.LookupToken(ctx, tokenID)
	require.NoError(t, err)
	assert.False(t, readout.Revoked)
	assert.Equal(t, []string{"openid", "profile"}, readout.Scope)

	_, err = cmds.RevokeToken(ctx, tokenID, "admin")
	require.NoError(t, err)

	readout, err = cmds.LookupToken(ctx, tokenID)
	require.NoError(t, err)
	assert.True(t, readout.Revoked)
	assert.Equal(t, "admin", readout.RevokedBy)

	_, err = cmds.RevokeToken(ctx, tokenID, "admin")
	assert.True(t, zerrors.IsPrecondition(err), "double revocation must fail")
}

func TestTokenValidation(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	_, _, err := cmds.AddToken(ctx, command.TokenInput{TokenType: "session", ClientID: "web", Lifetime: time.Hour})
	assert.True(t, zerrors.IsInvalidArgument(err))

	_, _, err = cmds.AddToken(ctx, command.TokenInput{TokenType: command.TokenTypeAccess, Lifetime: time.Hour})
	assert.True(t, zerrors.IsInvalidArgument(err))

	_, err = cmds.RevokeToken(ctx, "unknown", "admin")
	assert.True(t, zerrors.IsNotFound(err))
}

func TestRotateRefreshToken(t *testing.T) {
	cmds, _ := newTestCommands(t)
	ctx := testCtx("admin")

	refreshID, _, err := cmds.AddToken(ctx, command.TokenInput{
		TokenType: command.TokenTypeRefresh,
		ClientID:  "web",
		UserID:    "user-1",
		Scope:     []string{"openid", "offline_access"},
		Lifetime:  30 * 24 * time.Hour,
	})
	require.NoError(t, err)

	rotated, err := cmds.RotateRefreshToken(ctx, refreshID, time.Hour, 30*24*time.Hour)
	require.NoError(t, err)

	old, err := cmds.LookupToken(ctx, refreshID)
	require.NoError(t, err)
	assert.True(t, old.Revoked, "rotation revokes the redeemed token")

	access, err := cmds.LookupToken(ctx, rotated.AccessTokenID)
	require.NoError(t, err)
	assert.Equal(t, command.TokenTypeAccess, access.TokenType)
	assert.Equal(t, "user-1", access.UserID)
	assert.Equal(t, []string{"openid", "offline_access"}, access.Scope)

	next, err := cmds.LookupToken(ctx, rotated.RefreshTokenID)
	require.NoError(t, err)
	assert.Equal(t, command.TokenTypeRefresh, next.TokenType)

	_, err = cmds.RotateRefreshToken(ctx, refreshID, time.Hour, time.Hour)
	assert.True(t, zerrors.IsPrecondition(err), "revoked refresh token cannot rotate again")
}

func TestRotateExpiredRefreshToken(t *testing.T) {
	cmds, clock := newTestCommands(t)
	ctx := testCtx("admin")

	refreshID, _, err := cmds.AddToken(ctx, command.TokenInput{
		TokenType: command.TokenTypeRefresh,
		ClientID:  "web",
		Lifetime:  time.Hour,
	})
	require.NoError(t, err)

	clock.advance(2 * time.Hour)
	_, err = cmds.RotateRefreshToken(ctx, refreshID, time.Hour, time.Hour)
	assert.True(t, zerrors.IsPrecondition(err))
}
