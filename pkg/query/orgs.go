package query

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trustplane/trustplane/pkg/zerrors"
)

// Org is one row of the orgs view.
type Org struct {
	ID            string
	Name          string
	PrimaryDomain string
	LoginPolicy   *OrgLoginPolicy
	Sequence      int64
	CreatedAt     time.Time
	ChangedAt     time.Time
}

// OrgLoginPolicy is the org's declared factor requirements, nil when the
// org never set one.
type OrgLoginPolicy struct {
	PasswordRequired bool
	TOTPRequired     bool
}

// OrgDomain is one claimed domain.
type OrgDomain struct {
	OrgID    string
	Domain   string
	Verified bool
	Primary  bool
}

// OrgMember is one membership with its roles.
type OrgMember struct {
	OrgID  string
	UserID string
	Roles  []string
}

// OrgByID returns one organization of the instance.
func (q *Queries) OrgByID(ctx context.Context, instanceID, orgID string) (*Org, error) {
	o := &Org{}
	var hasPolicy, passwordRequired, totpRequired int
	var createdAt, changedAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, primary_domain, has_login_policy, password_required, totp_required, sequence, created_at, changed_at
		 FROM orgs WHERE instance_id = ? AND id = ?`,
		instanceID, orgID,
	).Scan(&o.ID, &o.Name, &o.PrimaryDomain, &hasPolicy, &passwordRequired, &totpRequired,
		&o.Sequence, &createdAt, &changedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-org-01", "organization not found")
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-org-02", "cannot scan organization")
	}
	if hasPolicy == 1 {
		o.LoginPolicy = &OrgLoginPolicy{
			PasswordRequired: passwordRequired == 1,
			TOTPRequired:     totpRequired == 1,
		}
	}
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	o.ChangedAt = time.Unix(0, changedAt).UTC()
	return o, nil
}

// OrgByDomain resolves a verified domain to its organization, the domain
// discovery step of the login flow.
func (q *Queries) OrgByDomain(ctx context.Context, instanceID, domain string) (*Org, error) {
	var orgID string
	err := q.db.QueryRowContext(ctx,
		`SELECT org_id FROM org_domains WHERE instance_id = ? AND domain = ? AND verified = 1`,
		instanceID, domain,
	).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, zerrors.ThrowNotFound(err, "QUERY-org-03", "no organization claims domain %s", domain)
	}
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-org-04", "cannot resolve domain")
	}
	return q.OrgByID(ctx, instanceID, orgID)
}

// OrgDomains lists the domains of one organization.
func (q *Queries) OrgDomains(ctx context.Context, instanceID, orgID string) ([]*OrgDomain, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT org_id, domain, verified, is_primary FROM org_domains
		 WHERE instance_id = ? AND org_id = ? ORDER BY domain`,
		instanceID, orgID)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-org-05", "cannot list domains")
	}
	defer rows.Close()

	var domains []*OrgDomain
	for rows.Next() {
		d := &OrgDomain{}
		var verified, primary int
		if err := rows.Scan(&d.OrgID, &d.Domain, &verified, &primary); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-org-06", "cannot scan domain")
		}
		d.Verified = verified == 1
		d.Primary = primary == 1
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// OrgMembers lists the members of one organization.
func (q *Queries) OrgMembers(ctx context.Context, instanceID, orgID string) ([]*OrgMember, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT org_id, user_id, roles FROM org_members
		 WHERE instance_id = ? AND org_id = ? ORDER BY user_id`,
		instanceID, orgID)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-org-07", "cannot list members")
	}
	defer rows.Close()

	var members []*OrgMember
	for rows.Next() {
		m := &OrgMember{}
		var roles string
		if err := rows.Scan(&m.OrgID, &m.UserID, &roles); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-org-08", "cannot scan member")
		}
		m.Roles = decodeStrings(roles)
		members = append(members, m)
	}
	return members, rows.Err()
}

// SearchOrgs lists organizations of the instance by name.
func (q *Queries) SearchOrgs(ctx context.Context, instanceID string, opts SearchOptions) ([]*Org, error) {
	clause, limitArgs := opts.clause()
	args := append([]any{instanceID}, limitArgs...)
	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM orgs WHERE instance_id = ? ORDER BY name, id`+clause, args...)
	if err != nil {
		return nil, zerrors.ThrowInternal(err, "QUERY-org-09", "cannot search organizations")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, zerrors.ThrowInternal(err, "QUERY-org-10", "cannot scan organization")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orgs := make([]*Org, 0, len(ids))
	for _, id := range ids {
		o, err := q.OrgByID(ctx, instanceID, id)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, nil
}
