package projection

import (
	"context"
	"database/sql"

	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// OrgsProjection materializes organizations with their domains, members and
// login policy. Domains and members live in child tables; the orgs row
// carries the sequence guard for all of them.
type OrgsProjection struct{}

func NewOrgsProjection() *OrgsProjection { return &OrgsProjection{} }

func (*OrgsProjection) Name() string { return "orgs" }

func (*OrgsProjection) AggregateTypes() []eventstore.AggregateType {
	return []eventstore.AggregateType{eventstore.AggregateOrg}
}

func (*OrgsProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS orgs (
	instance_id       TEXT NOT NULL,
	id                TEXT NOT NULL,
	name              TEXT NOT NULL,
	primary_domain    TEXT NOT NULL DEFAULT '',
	has_login_policy  INTEGER NOT NULL DEFAULT 0,
	password_required INTEGER NOT NULL DEFAULT 0,
	totp_required     INTEGER NOT NULL DEFAULT 0,
	sequence          INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	changed_at        INTEGER NOT NULL,
	PRIMARY KEY (instance_id, id)
);

CREATE TABLE IF NOT EXISTS org_domains (
	instance_id TEXT NOT NULL,
	org_id      TEXT NOT NULL,
	domain      TEXT NOT NULL,
	verified    INTEGER NOT NULL DEFAULT 0,
	is_primary  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (instance_id, org_id, domain)
);

CREATE TABLE IF NOT EXISTS org_members (
	instance_id TEXT NOT NULL,
	org_id      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	roles       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (instance_id, org_id, user_id)
);
`)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-orgs-01", "cannot create orgs tables")
	}
	return nil
}

func (*OrgsProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	for _, table := range []string{"orgs", "org_domains", "org_members"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE instance_id = ?`, instanceID); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-orgs-02", "cannot reset %s table", table)
		}
	}
	return nil
}

func (p *OrgsProjection) Reduce(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case command.OrgAddedType:
		var payload struct {
			Name string `json:"name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO orgs (instance_id, id, name, sequence, created_at, changed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (instance_id, id) DO NOTHING`,
			event.InstanceID, event.AggregateID, payload.Name,
			event.AggregateVersion, event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
		)
		if err != nil {
			return zerrors.ThrowInternal(err, "PROJ-orgs-03", "cannot insert org row")
		}
		return nil
	case command.OrgChangedType:
		var payload struct {
			Name string `json:"name"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "name = ?", payload.Name)
	case command.OrgDomainAddedType:
		domain, err := domainOf(event)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO org_domains (instance_id, org_id, domain) VALUES (?, ?, ?)
ON CONFLICT (instance_id, org_id, domain) DO NOTHING`,
			event.InstanceID, event.AggregateID, domain,
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-orgs-04", "cannot insert org domain")
		}
		return p.update(ctx, tx, event, "name = name")
	case command.OrgDomainVerifiedType:
		domain, err := domainOf(event)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE org_domains SET verified = 1 WHERE instance_id = ? AND org_id = ? AND domain = ?`,
			event.InstanceID, event.AggregateID, domain,
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-orgs-05", "cannot verify org domain")
		}
		return p.update(ctx, tx, event, "name = name")
	case command.OrgDomainPrimarySetType:
		domain, err := domainOf(event)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE org_domains SET is_primary = CASE WHEN domain = ? THEN 1 ELSE 0 END
WHERE instance_id = ? AND org_id = ?`,
			domain, event.InstanceID, event.AggregateID,
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-orgs-06", "cannot set primary org domain")
		}
		return p.update(ctx, tx, event, "primary_domain = ?", domain)
	case command.OrgDomainRemovedType:
		domain, err := domainOf(event)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM org_domains WHERE instance_id = ? AND org_id = ? AND domain = ?`,
			event.InstanceID, event.AggregateID, domain,
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-orgs-07", "cannot remove org domain")
		}
		return p.update(ctx, tx, event, "name = name")
	case command.OrgMemberAddedType, command.OrgMemberChangedType:
		var payload struct {
			UserID string   `json:"user_id"`
			Roles  []string `json:"roles"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO org_members (instance_id, org_id, user_id, roles) VALUES (?, ?, ?, ?)
ON CONFLICT (instance_id, org_id, user_id) DO UPDATE SET roles = excluded.roles`,
			event.InstanceID, event.AggregateID, payload.UserID, encodeStrings(payload.Roles),
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-orgs-08", "cannot upsert org member")
		}
		return p.update(ctx, tx, event, "name = name")
	case command.OrgMemberRemovedType:
		var payload struct {
			UserID string `json:"user_id"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
DELETE FROM org_members WHERE instance_id = ? AND org_id = ? AND user_id = ?`,
			event.InstanceID, event.AggregateID, payload.UserID,
		); err != nil {
			return zerrors.ThrowInternal(err, "PROJ-orgs-09", "cannot remove org member")
		}
		return p.update(ctx, tx, event, "name = name")
	case command.LoginPolicyAddedType, command.LoginPolicyChangedType:
		var payload struct {
			PasswordRequired bool `json:"password_required"`
			TOTPRequired     bool `json:"totp_required"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return p.update(ctx, tx, event, "has_login_policy = 1, password_required = ?, totp_required = ?",
			boolInt(payload.PasswordRequired), boolInt(payload.TOTPRequired))
	}
	return nil
}

func (*OrgsProjection) update(ctx context.Context, tx *sql.Tx, event *eventstore.Event, set string, args ...any) error {
	args = append(args, event.AggregateVersion, event.CreatedAt.UnixNano(), event.InstanceID, event.AggregateID, event.AggregateVersion)
	_, err := tx.ExecContext(ctx,
		`UPDATE orgs SET `+set+`, sequence = ?, changed_at = ?
		 WHERE instance_id = ? AND id = ? AND sequence < ?`,
		args...,
	)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-orgs-10", "cannot update org row")
	}
	return nil
}

func domainOf(event *eventstore.Event) (string, error) {
	var payload struct {
		Domain string `json:"domain"`
	}
	if err := event.UnmarshalPayload(&payload); err != nil {
		return "", err
	}
	return payload.Domain, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
