package command_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventstore/sqlite"
)

const testInstance = "inst-1"

// testClock is a mutable clock shared by the store and the dispatcher.
type testClock struct {
	current time.Time
}

func (c *testClock) now() time.Time { return c.current }

func (c *testClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestCommands(t *testing.T, opts ...command.Option) (*command.Commands, *testClock) {
	t.Helper()
	clock := &testClock{current: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}

	store, err := sqlite.New(
		sqlite.WithMemory(),
		sqlite.WithWALMode(false),
		sqlite.WithNowFunc(clock.now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	seq := 0
	defaults := []command.Option{
		command.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("agg-%03d", seq)
		}),
		command.WithNowFunc(clock.now),
		command.WithLogger(slog.New(slog.DiscardHandler)),
	}
	return command.New(store, append(defaults, opts...)...), clock
}

func testCtx(userID string) context.Context {
	return authctx.WithContext(context.Background(), authctx.Context{
		InstanceID: testInstance,
		UserID:     userID,
	})
}
