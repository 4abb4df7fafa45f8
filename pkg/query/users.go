package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trustplane/trustplane/pkg/zerrors"
)

// User is one row of the users view.
type User struct {
	ID            string
	ResourceOwner string
	Type          string
	State         string
	Username      string
	FirstName     string
	LastName      string
	DisplayName   string
	Email         string
	HasTOTP       bool
	Sequence      int64
	CreatedAt     time.Time
	ChangedAt     time.Time
}

const userColumns = `id, resource_owner, user_type, state, username, first_name, last_name, display_name, email, has_totp, sequence, created_at, changed_at`

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	var hasTOTP int
	var createdAt, changedAt int64
	err := row.Scan(&u.ID, &u.ResourceOwner, &u.Type, &u.State, &u.Username,
		&u.FirstName, &u.LastName, &u.DisplayName, &u.Email, &hasTOTP,
		&u.Sequence, &createdAt, &changedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-user-01", "user not found")
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-user-02", "cannot scan user")
	}
	u.HasTOTP = hasTOTP == 1
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	u.ChangedAt = time.Unix(0, changedAt).UTC()
	return u, nil
}

// UserByID returns one user of the instance.
func (q *Queries) UserByID(ctx context.Context, instanceID, userID string) (*User, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE instance_id = ? AND id = ?`,
		instanceID, userID)
	return scanUser(row)
}

// UserByUsername resolves a username within one organization, the login
// form's lookup. Removed users keep their row but never match: their
// username may already belong to a newer aggregate.
func (q *Queries) UserByUsername(ctx context.Context, instanceID, orgID, username string) (*User, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE instance_id = ? AND resource_owner = ? AND username = ? AND state != 'removed'`,
		instanceID, orgID, username)
	return scanUser(row)
}

// SearchUsers lists the users of one organization, newest first. An empty
// orgID lists across the instance. Removed users are excluded.
func (q *Queries) SearchUsers(ctx context.Context, instanceID, orgID string, opts SearchOptions) ([]*User, error) {
	stmt := `SELECT ` + userColumns + ` FROM users WHERE instance_id = ? AND state != 'removed'`
	args := []any{instanceID}
	if orgID != "" {
		stmt += ` AND resource_owner = ?`
		args = append(args, orgID)
	}
	stmt += ` ORDER BY created_at DESC, id`
	clause, limitArgs := opts.clause()
	stmt += clause
	args = append(args, limitArgs...)

	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-user-03", "cannot search users")
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		var hasTOTP int
		var createdAt, changedAt int64
		if err := rows.Scan(&u.ID, &u.ResourceOwner, &u.Type, &u.State, &u.Username,
			&u.FirstName, &u.LastName, &u.DisplayName, &u.Email, &hasTOTP,
			&u.Sequence, &createdAt, &changedAt); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-user-04", "cannot scan user")
		}
		u.HasTOTP = hasTOTP == 1
		u.CreatedAt = time.Unix(0, createdAt).UTC()
		u.ChangedAt = time.Unix(0, changedAt).UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}
