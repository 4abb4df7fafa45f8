package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/eventstore/sqlite"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

func newTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	opts = append([]sqlite.Option{
		sqlite.WithMemory(),
		sqlite.WithWALMode(false),
		sqlite.WithNowFunc(func() time.Time { return time.Unix(1234567890, 0) }),
	}, opts...)
	store, err := sqlite.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPushAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pushed, err := store.Push(ctx, "inst-1", "creator-1",
		eventstore.NewIntent(eventstore.AggregateUser, "user-1", "org-1", 0,
			&eventstore.Command{EventType: "user.human.added", Payload: map[string]string{"username": "alice"}},
			&eventstore.Command{EventType: "user.email.verified"},
		),
	)
	require.NoError(t, err)
	require.Len(t, pushed, 2)

	assert.Equal(t, int64(1), pushed[0].AggregateVersion)
	assert.Equal(t, int64(2), pushed[1].AggregateVersion)
	assert.Equal(t, uint16(1), pushed[0].Revision)
	assert.True(t, pushed[1].Position.After(pushed[0].Position))

	events, err := store.Filter(ctx, eventstore.NewSearchQuery("inst-1").
		Aggregate(eventstore.AggregateUser, "user-1"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "user.human.added", events[0].EventType)
	assert.Equal(t, "creator-1", events[0].Creator)
	assert.Equal(t, "org-1", events[0].Owner)

	var payload struct {
		Username string `json:"username"`
	}
	require.NoError(t, events[0].UnmarshalPayload(&payload))
	assert.Equal(t, "alice", payload.Username)
}

func TestPushConcurrencyConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Push(ctx, "inst-1", "c",
		eventstore.NewIntent(eventstore.AggregateUser, "user-1", "org-1", 0,
			&eventstore.Command{EventType: "user.human.added"},
		),
	)
	require.NoError(t, err)

	// Stale expected version: exactly one of two writers can win.
	_, err = store.Push(ctx, "inst-1", "c",
		eventstore.NewIntent(eventstore.AggregateUser, "user-1", "org-1", 0,
			&eventstore.Command{EventType: "user.deactivated"},
		),
	)
	require.Error(t, err)
	assert.True(t, zerrors.IsAborted(err))

	version, err := store.LatestVersion(ctx, "inst-1", eventstore.AggregateUser, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestUniqueConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	claim := func(aggID, value string) error {
		_, err := store.Push(ctx, "inst-1", "c",
			eventstore.NewIntent(eventstore.AggregateUser, aggID, "org-1", 0,
				&eventstore.Command{
					EventType:   "user.human.added",
					Constraints: []*eventstore.UniqueConstraint{eventstore.NewAddUniqueConstraint("user.username", value)},
				},
			),
		)
		return err
	}

	require.NoError(t, claim("user-1", "org-1:bob"))

	err := claim("user-2", "org-1:bob")
	require.Error(t, err)
	assert.True(t, zerrors.IsAlreadyExists(err))

	// A failed push must not leave events behind.
	version, err := store.LatestVersion(ctx, "inst-1", eventstore.AggregateUser, "user-2")
	require.NoError(t, err)
	assert.Zero(t, version)

	// Same value in another instance is independent.
	_, err = store.Push(ctx, "inst-2", "c",
		eventstore.NewIntent(eventstore.AggregateUser, "user-9", "org-9", 0,
			&eventstore.Command{
				EventType:   "user.human.added",
				Constraints: []*eventstore.UniqueConstraint{eventstore.NewAddUniqueConstraint("user.username", "org-1:bob")},
			},
		),
	)
	require.NoError(t, err)

	// Releasing frees the value for a new claim.
	_, err = store.Push(ctx, "inst-1", "c",
		eventstore.NewIntent(eventstore.AggregateUser, "user-1", "org-1", 1,
			&eventstore.Command{
				EventType:   "user.removed",
				Constraints: []*eventstore.UniqueConstraint{eventstore.NewRemoveUniqueConstraint("user.username", "org-1:bob")},
			},
		),
	)
	require.NoError(t, err)
	require.NoError(t, claim("user-3", "org-1:bob"))
}

func TestPositionsStrictlyIncreasing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Push(ctx, "inst-1", "c",
			eventstore.NewIntent(eventstore.AggregateOrg, "org-1", "org-1", int64(i),
				&eventstore.Command{EventType: "org.changed"},
			),
		)
		require.NoError(t, err)
	}

	events, err := store.Filter(ctx, eventstore.NewSearchQuery("inst-1"))
	require.NoError(t, err)
	require.Len(t, events, 5)

	last := eventstore.Position{}
	for _, event := range events {
		assert.True(t, event.Position.After(last), "positions must strictly increase")
		last = event.Position
	}

	latest, err := store.LatestPosition(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, last, latest)
}

func TestFilterPositionAfter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Push(ctx, "inst-1", "c",
		eventstore.NewIntent(eventstore.AggregateOrg, "org-1", "org-1", 0,
			&eventstore.Command{EventType: "org.added"},
		),
	)
	require.NoError(t, err)

	_, err = store.Push(ctx, "inst-1", "c",
		eventstore.NewIntent(eventstore.AggregateOrg, "org-1", "org-1", 1,
			&eventstore.Command{EventType: "org.changed"},
		),
	)
	require.NoError(t, err)

	events, err := store.Filter(ctx, eventstore.NewSearchQuery("inst-1").After(first[0].Position))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "org.changed", events[0].EventType)
}

func TestNotifierCalledAfterCommit(t *testing.T) {
	var (
		gotInstance string
		gotPosition eventstore.Position
	)
	store := newTestStore(t, sqlite.WithNotifier(func(instanceID string, pos eventstore.Position) {
		gotInstance = instanceID
		gotPosition = pos
	}))

	pushed, err := store.Push(context.Background(), "inst-1", "c",
		eventstore.NewIntent(eventstore.AggregateOrg, "org-1", "org-1", 0,
			&eventstore.Command{EventType: "org.added"},
		),
	)
	require.NoError(t, err)
	assert.Equal(t, "inst-1", gotInstance)
	assert.Equal(t, pushed[0].Position, gotPosition)
}
