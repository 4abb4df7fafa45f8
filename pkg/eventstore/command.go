package eventstore

// Command is one event to be appended, before the store assigns version,
// position and commit time. Payload is JSON-marshaled at push time; nil
// payloads are stored empty.
type Command struct {
	EventType   string
	Revision    uint16
	Payload     any
	Constraints []*UniqueConstraint
}

// Intent groups the commands of one aggregate within a push and carries the
// optimistic-concurrency expectation for that aggregate.
type Intent struct {
	AggregateType AggregateType
	AggregateID   string
	Owner         string
	// ExpectedVersion is the aggregate version the pusher observed.
	// 0 means the aggregate must not exist yet.
	ExpectedVersion int64
	Commands        []*Command
}

// NewIntent builds an intent for one aggregate.
func NewIntent(typ AggregateType, id, owner string, expectedVersion int64, cmds ...*Command) *Intent {
	return &Intent{
		AggregateType:   typ,
		AggregateID:     id,
		Owner:           owner,
		ExpectedVersion: expectedVersion,
		Commands:        cmds,
	}
}
