package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Publisher is the messaging-side contract for mirroring events out of
// the process; the NATS client satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// lifecycleEvents are the event names mirrored to the cluster.
var lifecycleEvents = []string{
	ServiceAdded,
	ServiceUpdated,
	ServiceRemoved,
	ClientConnected,
	ClientUpdated,
	ClientDisconnected,
	ClientReady,
	ConnectionReady,
}

// Bridge mirrors local bus emissions onto messaging subjects so other
// nodes in a clustered deployment observe lifecycle changes. Mirroring is
// best effort: publish failures are logged, never surfaced to emitters.
type Bridge struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
	subs      []*Subscription
}

// NewBridge attaches a mirror for every lifecycle event name. Subjects
// are <prefix>.<event-name>.
func NewBridge(bus *LocalBus, publisher Publisher, prefix string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger,
	}
	for _, name := range lifecycleEvents {
		name := name
		b.subs = append(b.subs, bus.On(name, func(_ context.Context, payload any) {
			b.forward(name, payload)
		}))
	}
	return b
}

func (b *Bridge) forward(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("event payload not serializable, skipping mirror", "event", name, "error", err)
		return
	}
	subject := b.prefix + "." + name
	if err := b.publisher.Publish(subject, data); err != nil {
		b.logger.Warn("event mirror publish failed", "event", name, "subject", subject, "error", err)
	}
}

// Close detaches all mirrors from the bus.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
}
