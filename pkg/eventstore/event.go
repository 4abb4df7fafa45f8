// Package eventstore defines the append-only event log model: events,
// per-instance positions, unique constraints and the store interface.
package eventstore

import (
	"encoding/json"
	"time"

	"github.com/trustplane/trustplane/pkg/zerrors"
)

// AggregateType names a consistency unit kind.
type AggregateType string

const (
	AggregateUser        AggregateType = "user"
	AggregateOrg         AggregateType = "org"
	AggregateProject     AggregateType = "project"
	AggregateApplication AggregateType = "application"
	AggregateAuthRequest AggregateType = "auth_request"
	AggregateDeviceAuth  AggregateType = "device_auth"
	AggregateIDP         AggregateType = "idp"
	AggregateInstance    AggregateType = "instance"
	AggregateToken       AggregateType = "oauth_token"
)

// Position is the total order of events within one instance. Commit is
// assigned at commit time and is monotone per instance; InTxOrder orders
// events of the same commit.
type Position struct {
	Commit    int64
	InTxOrder int32
}

// After reports whether p is strictly after other.
func (p Position) After(other Position) bool {
	if p.Commit != other.Commit {
		return p.Commit > other.Commit
	}
	return p.InTxOrder > other.InTxOrder
}

// IsZero reports whether p is the zero position (before all events).
func (p Position) IsZero() bool {
	return p.Commit == 0 && p.InTxOrder == 0
}

// Event is one immutable record of the log. Payload bytes are stored
// verbatim so unknown fields survive cross-version deployments.
type Event struct {
	InstanceID       string
	AggregateType    AggregateType
	AggregateID      string
	AggregateVersion int64
	EventType        string
	Payload          []byte
	Creator          string
	Owner            string
	Position         Position
	CreatedAt        time.Time
	Revision         uint16
}

// UnmarshalPayload decodes the payload into ptr. Events without payload
// leave ptr untouched.
func (e *Event) UnmarshalPayload(ptr any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, ptr); err != nil {
		return zerrors.ThrowInternal(err, "EVENT-payload-01", "cannot decode payload of %s", e.EventType)
	}
	return nil
}

// ConstraintOp is the operation on a unique-constraint row.
type ConstraintOp int8

const (
	// ConstraintAdd inserts the row; a duplicate fails the whole push.
	ConstraintAdd ConstraintOp = iota
	// ConstraintRemove deletes the row.
	ConstraintRemove
)

// UniqueConstraint expresses cross-aggregate uniqueness enforced atomically
// with the event append. A row exists iff the constraint is currently held.
type UniqueConstraint struct {
	Name  string
	Value string
	Op    ConstraintOp
	// ErrorID overrides the error identifier surfaced on a duplicate,
	// letting commands map violations to domain errors.
	ErrorID string
}

// NewAddUniqueConstraint claims name/value for the pushing aggregate.
func NewAddUniqueConstraint(name, value string) *UniqueConstraint {
	return &UniqueConstraint{Name: name, Value: value, Op: ConstraintAdd}
}

// NewRemoveUniqueConstraint releases name/value.
func NewRemoveUniqueConstraint(name, value string) *UniqueConstraint {
	return &UniqueConstraint{Name: name, Value: value, Op: ConstraintRemove}
}
