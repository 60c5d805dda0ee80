// Package broadcast relays committed changes to the other connections of a
// list's room. Delivery is at most once: a frame that does not fit in a
// subscriber's send buffer is dropped and nothing is replayed.
package broadcast

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc"

	"github.com/astromechza/shoplist-sync/pkg/metrics"
	"github.com/astromechza/shoplist-sync/pkg/protocol"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// Notifier is the push notification side effect of a broadcast.
type Notifier interface {
	Notify(ctx context.Context, ref shoplist.Ref, c shoplist.Change)
}

type Broadcaster struct {
	registry *Registry
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	pending  conc.WaitGroup
}

type Option func(*Broadcaster)

func WithNotifier(n Notifier) Option {
	return func(b *Broadcaster) {
		b.notifier = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(b *Broadcaster) {
		b.log = log
	}
}

func New(r *Registry, opts ...Option) *Broadcaster {
	b := &Broadcaster{registry: r, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	return b
}

func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// Broadcast delivers c to every connection joined to the list except those
// of c.ActorID and returns the number of frames queued. Notifications are
// sent asynchronously; neither path reports errors to the caller.
func (b *Broadcaster) Broadcast(ctx context.Context, ref shoplist.Ref, c shoplist.Change) int {
	c.ListID = ref.ID
	frame, err := protocol.Encode(protocol.ChangeMessage(c))
	if err != nil {
		b.log.Error("failed to encode change", "change", c.String(), "err", err)
		return 0
	}
	b.metrics.Broadcasts.WithLabelValues(string(c.Type)).Inc()

	delivered := 0
	for _, sub := range b.registry.Subscribers(ref.ID) {
		if sub.Actor().ID == c.ActorID {
			continue
		}
		if sub.Send(frame) {
			delivered++
			b.metrics.Deliveries.Inc()
		} else {
			b.metrics.Dropped.Inc()
			b.log.Warn("dropped change for slow connection", "conn", sub.ConnID(), "change", c.String())
		}
	}
	b.log.Debug("broadcast", "change", c.String(), "delivered", delivered)

	if b.notifier != nil && c.Type.Notifies() {
		nctx := context.WithoutCancel(ctx)
		b.pending.Go(func() {
			b.notifier.Notify(nctx, ref, c)
		})
	}
	return delivered
}

// Presence sends the current membership of the room to everyone in it.
func (b *Broadcaster) Presence(listID string) {
	frame, err := protocol.Encode(protocol.Presence(listID, b.registry.Members(listID)))
	if err != nil {
		b.log.Error("failed to encode presence", "list", listID, "err", err)
		return
	}
	for _, sub := range b.registry.Subscribers(listID) {
		if !sub.Send(frame) {
			b.metrics.Dropped.Inc()
		}
	}
}

// Close waits for in-flight notifications.
func (b *Broadcaster) Close() {
	b.pending.Wait()
}
