// Package eventbus distributes commit notifications over NATS.
//
// The event log remains the source of truth; the bus only tells projection
// workers that an instance has new events so they can poll immediately
// instead of waiting out their interval. Losing a notification is harmless,
// the next poll catches up.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/trustplane/trustplane/pkg/eventstore"
)

const subjectPrefix = "trustplane.events."

// Notification is the wire payload of a commit notification.
type Notification struct {
	InstanceID string `json:"instance_id"`
	Commit     int64  `json:"commit"`
	InTxOrder  int32  `json:"in_tx_order"`
}

// Bus publishes and subscribes to commit notifications.
type Bus struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect connects to a NATS server.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("trustplane-eventbus"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Bus{nc: nc}, nil
}

// Notifier returns an eventstore.Notifier that publishes commits on the bus.
// Publish errors are dropped: notifications are best effort.
func (b *Bus) Notifier() eventstore.Notifier {
	return func(instanceID string, pos eventstore.Position) {
		data, err := json.Marshal(Notification{
			InstanceID: instanceID,
			Commit:     pos.Commit,
			InTxOrder:  pos.InTxOrder,
		})
		if err != nil {
			return
		}
		_ = b.nc.Publish(subjectPrefix+instanceID, data)
	}
}

// Subscribe invokes handler for every commit notification of instanceID.
// An empty instanceID subscribes to all instances.
func (b *Bus) Subscribe(instanceID string, handler func(Notification)) error {
	subject := subjectPrefix + instanceID
	if instanceID == "" {
		subject = subjectPrefix + ">"
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return
		}
		handler(n)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.nc.Close()
	return nil
}
