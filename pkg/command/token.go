package command

import (
	"context"
	"time"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/id"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	TokenAddedType   = "oauth_token.added"
	TokenRevokedType = "oauth_token.revoked"
)

// Token types stored on the oauth_token aggregate.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenInput is the issuance request of the token engine.
type TokenInput struct {
	TokenType string
	ClientID  string
	UserID    string
	Scope     []string
	Audience  []string
	Lifetime  time.Duration
	// DPoPJKT is the RFC 7638 thumbprint of the client key a DPoP-bound
	// token is locked to.
	DPoPJKT string
	// RefreshOf links a rotated refresh token to its predecessor.
	RefreshOf string
}

type tokenAddedPayload struct {
	TokenType string    `json:"token_type"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"`
	Scope     []string  `json:"scope,omitempty"`
	Audience  []string  `json:"audience,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	DPoPJKT   string    `json:"dpop_jkt,omitempty"`
	RefreshOf string    `json:"refresh_of,omitempty"`
}

type tokenRevokedPayload struct {
	RevokedBy string `json:"revoked_by"`
}

// TokenReadout is the folded state of one token, the introspection source.
type TokenReadout struct {
	ID        string
	TokenType string
	ClientID  string
	UserID    string
	Scope     []string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	DPoPJKT   string
	Revoked   bool
	RevokedAt time.Time
	RevokedBy string
}

type tokenWriteModel struct {
	writeModel
	TokenReadout
	added bool
}

func newTokenWriteModel(tokenID string) *tokenWriteModel {
	wm := &tokenWriteModel{writeModel: writeModel{AggregateID: tokenID}}
	wm.TokenReadout.ID = tokenID
	return wm
}

func (wm *tokenWriteModel) reduce(e *eventstore.Event) error {
	wm.track(e)
	switch e.EventType {
	case TokenAddedType:
		var p tokenAddedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.added = true
		wm.TokenType = p.TokenType
		wm.ClientID = p.ClientID
		wm.UserID = p.UserID
		wm.Scope = p.Scope
		wm.Audience = p.Audience
		wm.IssuedAt = p.IssuedAt
		wm.ExpiresAt = p.ExpiresAt
		wm.DPoPJKT = p.DPoPJKT
	case TokenRevokedType:
		var p tokenRevokedPayload
		if err := e.UnmarshalPayload(&p); err != nil {
			return err
		}
		wm.Revoked = true
		wm.RevokedAt = e.CreatedAt
		wm.RevokedBy = p.RevokedBy
	}
	return nil
}

func (c *Commands) tokenCommand(input TokenInput) (*eventstore.Command, error) {
	switch input.TokenType {
	case TokenTypeAccess, TokenTypeRefresh:
	default:
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-token-01", "unknown token type %q", input.TokenType)
	}
	if input.ClientID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-token-02", "client ID is required")
	}
	if input.Lifetime <= 0 {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-token-03", "token lifetime must be positive")
	}
	now := c.now()
	return &eventstore.Command{
		EventType: TokenAddedType,
		Revision:  1,
		Payload: tokenAddedPayload{
			TokenType: input.TokenType,
			ClientID:  input.ClientID,
			UserID:    input.UserID,
			Scope:     input.Scope,
			Audience:  input.Audience,
			IssuedAt:  now,
			ExpiresAt: now.Add(input.Lifetime),
			DPoPJKT:   input.DPoPJKT,
			RefreshOf: input.RefreshOf,
		},
	}, nil
}

func (c *Commands) tokenOwner(authz authctx.Context) string {
	if authz.OrgID != "" {
		return authz.OrgID
	}
	return authz.InstanceID
}

// AddToken issues a token aggregate and returns its ID, the jti.
func (c *Commands) AddToken(ctx context.Context, input TokenInput) (string, *ObjectDetails, error) {
	tokenID := id.Request()
	details, err := c.run(ctx, "oauth_token.add", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		cmd, err := c.tokenCommand(input)
		if err != nil {
			return nil, err
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateToken, tokenID, c.tokenOwner(authz), 0, cmd))
	})
	if err != nil {
		return "", nil, err
	}
	return tokenID, details, nil
}

// RevokeToken revokes a token. Deliberately not idempotent: revoking twice
// fails so double-revocation attempts stay observable.
func (c *Commands) RevokeToken(ctx context.Context, tokenID, revokedBy string) (*ObjectDetails, error) {
	return c.run(ctx, "oauth_token.revoke", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadToken(ctx, authz, tokenID)
		if err != nil {
			return nil, err
		}
		if wm.Revoked {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-token-06", "token already revoked")
		}
		if revokedBy == "" {
			revokedBy = authz.Creator()
		}
		return c.push(ctx, authz, eventstore.NewIntent(eventstore.AggregateToken, tokenID, wm.ResourceOwner, wm.Version,
			&eventstore.Command{
				EventType: TokenRevokedType,
				Revision:  1,
				Payload:   tokenRevokedPayload{RevokedBy: revokedBy},
			},
		))
	})
}

// RotatedTokens is the result of one refresh-token rotation.
type RotatedTokens struct {
	AccessTokenID  string
	RefreshTokenID string
	Details        *ObjectDetails
}

// RotateRefreshToken redeems a refresh token: the old one is revoked and a
// new access/refresh pair is issued in one atomic push across the three
// aggregates.
func (c *Commands) RotateRefreshToken(ctx context.Context, refreshTokenID string, accessLifetime, refreshLifetime time.Duration) (*RotatedTokens, error) {
	var rotated *RotatedTokens
	_, err := c.run(ctx, "oauth_token.rotate", func(ctx context.Context, authz authctx.Context) (*ObjectDetails, error) {
		wm, err := c.loadToken(ctx, authz, refreshTokenID)
		if err != nil {
			return nil, err
		}
		if wm.TokenType != TokenTypeRefresh {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-token-07", "not a refresh token")
		}
		if wm.Revoked {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-token-08", "refresh token revoked")
		}
		if c.now().After(wm.ExpiresAt) {
			return nil, zerrors.ThrowPrecondition(nil, "COMMAND-token-09", "refresh token expired")
		}

		accessCmd, err := c.tokenCommand(TokenInput{
			TokenType: TokenTypeAccess,
			ClientID:  wm.ClientID,
			UserID:    wm.UserID,
			Scope:     wm.Scope,
			Audience:  wm.Audience,
			Lifetime:  accessLifetime,
			DPoPJKT:   wm.DPoPJKT,
		})
		if err != nil {
			return nil, err
		}
		refreshCmd, err := c.tokenCommand(TokenInput{
			TokenType: TokenTypeRefresh,
			ClientID:  wm.ClientID,
			UserID:    wm.UserID,
			Scope:     wm.Scope,
			Audience:  wm.Audience,
			Lifetime:  refreshLifetime,
			DPoPJKT:   wm.DPoPJKT,
			RefreshOf: refreshTokenID,
		})
		if err != nil {
			return nil, err
		}

		accessID := id.Request()
		refreshID := id.Request()
		owner := wm.ResourceOwner
		details, err := c.push(ctx, authz,
			eventstore.NewIntent(eventstore.AggregateToken, refreshTokenID, owner, wm.Version,
				&eventstore.Command{
					EventType: TokenRevokedType,
					Revision:  1,
					Payload:   tokenRevokedPayload{RevokedBy: authz.Creator()},
				},
			),
			eventstore.NewIntent(eventstore.AggregateToken, accessID, owner, 0, accessCmd),
			eventstore.NewIntent(eventstore.AggregateToken, refreshID, owner, 0, refreshCmd),
		)
		if err != nil {
			return nil, err
		}
		rotated = &RotatedTokens{AccessTokenID: accessID, RefreshTokenID: refreshID, Details: details}
		return details, nil
	})
	if err != nil {
		return nil, err
	}
	return rotated, nil
}

func (c *Commands) loadToken(ctx context.Context, authz authctx.Context, tokenID string) (*tokenWriteModel, error) {
	if tokenID == "" {
		return nil, zerrors.ThrowInvalidArgument(nil, "COMMAND-token-04", "token ID is required")
	}
	wm := newTokenWriteModel(tokenID)
	if err := c.loadModel(ctx, authz.InstanceID, eventstore.AggregateToken, tokenID, wm); err != nil {
		return nil, err
	}
	if !wm.added {
		return nil, zerrors.ThrowNotFound(nil, "COMMAND-token-05", "token not found")
	}
	return wm, nil
}

// LookupToken folds one token aggregate for introspection. Unknown tokens
// return NotFound; the introspection surface maps that to active=false.
func (c *Commands) LookupToken(ctx context.Context, tokenID string) (*TokenReadout, error) {
	authz, err := authctx.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	wm, err := c.loadToken(ctx, authz, tokenID)
	if err != nil {
		return nil, err
	}
	readout := wm.TokenReadout
	return &readout, nil
}
