package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trustplane/trustplane/pkg/zerrors"
)

// DeviceAuth is one device-authorization grant from the read model.
type DeviceAuth struct {
	DeviceCode string
	ClientID   string
	Scope      []string
	UserCode   string
	State      string
	UserID     string
	ExpiresAt  time.Time
}

// DeviceAuthByUserCode resolves the code a user typed on the verification
// page. Wired into the command layer as its user-code resolver.
func (q *Queries) DeviceAuthByUserCode(ctx context.Context, instanceID, userCode string) (*DeviceAuth, error) {
	d := &DeviceAuth{}
	var scope string
	var expiresAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT device_code, client_id, scope, user_code, state, user_id, expires_at
		 FROM device_auths WHERE instance_id = ? AND user_code = ?`,
		instanceID, userCode,
	).Scan(&d.DeviceCode, &d.ClientID, &scope, &d.UserCode, &d.State, &d.UserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-device-01", "device grant not found")
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-device-02", "cannot scan device grant")
	}
	d.Scope = decodeStrings(scope)
	d.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return d, nil
}

// AuthRequestView is the login UI's view of an authorization flow.
type AuthRequestView struct {
	ID              string
	ResourceOwner   string
	ClientID        string
	RedirectURI     string
	Scope           []string
	State           string
	UserID          string
	UserOrgID       string
	PasswordChecked bool
	TOTPChecked     bool
	FailReason      string
	CreatedAt       time.Time
}

// AuthRequestByID returns one authorization flow.
func (q *Queries) AuthRequestByID(ctx context.Context, instanceID, id string) (*AuthRequestView, error) {
	v := &AuthRequestView{}
	var scope string
	var passwordChecked, totpChecked int
	var createdAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, resource_owner, client_id, redirect_uri, scope, state, user_id, user_org_id, password_checked, totp_checked, fail_reason, created_at
		 FROM auth_requests WHERE instance_id = ? AND id = ?`,
		instanceID, id,
	).Scan(&v.ID, &v.ResourceOwner, &v.ClientID, &v.RedirectURI, &scope, &v.State,
		&v.UserID, &v.UserOrgID, &passwordChecked, &totpChecked, &v.FailReason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-authreq-01", "auth request not found")
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-authreq-02", "cannot scan auth request")
	}
	v.Scope = decodeStrings(scope)
	v.PasswordChecked = passwordChecked == 1
	v.TOTPChecked = totpChecked == 1
	v.CreatedAt = time.Unix(0, createdAt).UTC()
	return v, nil
}

// Token is one issued token from the read model.
type Token struct {
	ID        string
	TokenType string
	ClientID  string
	UserID    string
	Scope     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// TokensByUser lists a user's tokens, the session-management view.
func (q *Queries) TokensByUser(ctx context.Context, instanceID, userID string, opts SearchOptions) ([]*Token, error) {
	clause, limitArgs := opts.clause()
	args := append([]any{instanceID, userID}, limitArgs...)
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, token_type, client_id, user_id, scope, issued_at, expires_at, revoked
		 FROM tokens WHERE instance_id = ? AND user_id = ?
		 ORDER BY issued_at DESC, id`+clause, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-token-01", "cannot list tokens")
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		tk := &Token{}
		var scope string
		var issuedAt, expiresAt int64
		var revoked int
		if err := rows.Scan(&tk.ID, &tk.TokenType, &tk.ClientID, &tk.UserID, &scope,
			&issuedAt, &expiresAt, &revoked); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-token-02", "cannot scan token")
		}
		tk.Scope = decodeStrings(scope)
		tk.IssuedAt = time.Unix(0, issuedAt).UTC()
		tk.ExpiresAt = time.Unix(0, expiresAt).UTC()
		tk.Revoked = revoked == 1
		tokens = append(tokens, tk)
	}
	return tokens, rows.Err()
}
