package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// TokensProjection materializes issued tokens for listing and bulk
// revocation queries. Introspection itself folds the aggregate, the read
// model is advisory.
type TokensProjection struct{}

func NewTokensProjection() *TokensProjection { return &TokensProjection{} }

func (*TokensProjection) Name() string { return "tokens" }

func (*TokensProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateToken}
}

func (*TokensProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tokens (
	instance_id TEXT NOT NULL,
	id          TEXT NOT NULL,
	token_type  TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	scope       TEXT NOT NULL DEFAULT '',
	audience    TEXT NOT NULL DEFAULT '',
	dpop_jkt    TEXT NOT NULL DEFAULT '',
	refresh_of  TEXT NOT NULL DEFAULT '',
	issued_at   INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	revoked     INTEGER NOT NULL DEFAULT 0,
	revoked_at  INTEGER NOT NULL DEFAULT 0,
	revoked_by  TEXT NOT NULL DEFAULT '',
	sequence    INTEGER NOT NULL,
	PRIMARY KEY (instance_id, id)
);
CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens (instance_id, user_id);
CREATE INDEX IF NOT EXISTS idx_tokens_client ON tokens (instance_id, client_id);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-tokens-01", "cannot create tokens table")
	}
	return nil
}

func (*TokensProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE instance_id = ?`, instanceID); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-tokens-02", "cannot reset tokens table")
	}
	return nil
}

func (*TokensProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case command.TokenAddedType:
		var payload struct {
			TokenType string    `json:"token_type"`
			ClientID  string    `json:"client_id"`
			UserID    string    `json:"user_id"`
			Scope     []string  `json:"scope"`
			Audience  []string  `json:"audience"`
			IssuedAt  time.Time `json:"issued_at"`
			ExpiresAt time.Time `json:"expires_at"`
			DPoPJKT   string    `json:"dpop_jkt"`
			RefreshOf string    `json:"refresh_of"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO tokens (instance_id, id, token_type, client_id, user_id, scope, audience, dpop_jkt, refresh_of, issued_at, expires_at, sequence)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (instance_id, id) DO NOTHING`,
			event.InstanceID, event.AggregateID,
			payload.TokenType, payload.ClientID, payload.UserID,
			encodeStrings(payload.Scope), encodeStrings(payload.Audience),
			payload.DPoPJKT, payload.RefreshOf,
			payload.IssuedAt.UnixNano(), payload.ExpiresAt.UnixNano(),
			event.AggregateVersion,
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-tokens-03", "cannot insert token row")
		}
		return nil
	case command.TokenRevokedType:
		var payload struct {
			RevokedBy string `json:"revoked_by"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE tokens SET revoked = 1, revoked_at = ?, revoked_by = ?, sequence = ?
WHERE instance_id = ? AND id = ? AND sequence < ?`,
			event.CreatedAt.UnixNano(), payload.RevokedBy, event.AggregateVersion,
			event.InstanceID, event.AggregateID, event.AggregateVersion,
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-tokens-04", "cannot revoke token row")
		}
		return nil
	}
	return nil
}
