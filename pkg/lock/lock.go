// Package lock implements advisory per-item locks embedded in list items.
//
// Locks are bounded by a TTL rather than fenced: a holder that crashes
// mid-edit blocks others for at most the TTL. Expiry is evaluated lazily
// whenever a lock is checked; nothing sweeps expired locks.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/shoplist-sync/pkg/order"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
	"github.com/astromechza/shoplist-sync/pkg/store"
)

const DefaultTTL = 5 * time.Minute

// Updater is the part of the store the manager needs: an atomic
// read-modify-write of one list document.
type Updater interface {
	UpdateList(ctx context.Context, listID string, fn store.MutateFunc) (shoplist.List, error)
}

type Manager struct {
	store Updater
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

func NewManager(s Updater, opts ...Option) *Manager {
	m := &Manager{
		store: s,
		ttl:   DefaultTTL,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Expired reports whether item carries a lock older than ttl.
func Expired(item shoplist.Item, now time.Time, ttl time.Duration) bool {
	return item.Locked() && item.LockedAt != nil && now.Sub(*item.LockedAt) > ttl
}

// HeldByOther reports whether a live lock on item belongs to someone other
// than actorID.
func HeldByOther(item shoplist.Item, actorID shoplist.ActorID, now time.Time, ttl time.Duration) bool {
	return item.Locked() && item.LockedBy != actorID && !Expired(item, now, ttl)
}

func conflict(item shoplist.Item) error {
	return &shoplist.LockConflictError{HeldBy: item.LockedBy, HeldByName: item.LockedByName}
}

// mutateItem runs fn against one item inside a single store update, so the
// lock check and the write cannot be interleaved with another request.
func (m *Manager) mutateItem(ctx context.Context, listID, itemID string, fn func(l *shoplist.List, it *shoplist.Item, now time.Time) error) (shoplist.Item, error) {
	var out shoplist.Item
	_, err := m.store.UpdateList(ctx, listID, func(l *shoplist.List) error {
		it := l.Item(itemID)
		if it == nil {
			return fmt.Errorf("%w: item %s", shoplist.ErrNotFound, itemID)
		}
		if err := fn(l, it, m.now()); err != nil {
			return err
		}
		out = it.Clone()
		return nil
	})
	return out, err
}

// TryAcquire locks the item for actor. It succeeds when the item is
// unlocked, already held by actor (renewing the timestamp) or held by an
// expired lock, and fails with a *shoplist.LockConflictError otherwise.
func (m *Manager) TryAcquire(ctx context.Context, listID, itemID string, actor shoplist.Actor) (shoplist.Item, error) {
	return m.mutateItem(ctx, listID, itemID, func(_ *shoplist.List, it *shoplist.Item, now time.Time) error {
		if HeldByOther(*it, actor.ID, now, m.ttl) {
			return conflict(*it)
		}
		if Expired(*it, now, m.ttl) && it.LockedBy != actor.ID {
			m.log.Debug("taking over expired lock", "list", listID, "item", itemID, "previous", it.LockedBy, "actor", actor.ID)
		}
		it.SetLock(actor, now)
		return nil
	})
}

// Release clears the lock. Only the holder may release a live lock; anyone
// may clear an expired one.
func (m *Manager) Release(ctx context.Context, listID, itemID string, actorID shoplist.ActorID) (shoplist.Item, error) {
	return m.mutateItem(ctx, listID, itemID, func(_ *shoplist.List, it *shoplist.Item, now time.Time) error {
		if HeldByOther(*it, actorID, now, m.ttl) {
			return fmt.Errorf("%w: item %s is locked by %s", shoplist.ErrForbidden, itemID, it.LockedBy)
		}
		it.ClearLock()
		return nil
	})
}

// ApplyEditClearingLock writes patch under the same precondition as
// TryAcquire and then clears the lock, whether or not one existed. A save
// therefore doubles as an unlock. A patch that reorders a completed item
// fails with shoplist.ErrNotDraggable.
func (m *Manager) ApplyEditClearingLock(ctx context.Context, listID, itemID string, actorID shoplist.ActorID, patch shoplist.ItemPatch) (shoplist.Item, error) {
	if err := patch.Validate(); err != nil {
		return shoplist.Item{}, err
	}
	return m.mutateItem(ctx, listID, itemID, func(_ *shoplist.List, it *shoplist.Item, now time.Time) error {
		if HeldByOther(*it, actorID, now, m.ttl) {
			return conflict(*it)
		}
		if patch.DragsCompleted(*it) {
			return fmt.Errorf("%w: %s", shoplist.ErrNotDraggable, itemID)
		}
		patch.Apply(it)
		it.ClearLock()
		return nil
	})
}

// Move is a drag reorder: it computes the new order from the authoritative
// list and applies it like any other edit.
func (m *Manager) Move(ctx context.Context, listID, itemID string, actorID shoplist.ActorID, toIndex int) (shoplist.Item, error) {
	return m.mutateItem(ctx, listID, itemID, func(l *shoplist.List, it *shoplist.Item, now time.Time) error {
		if HeldByOther(*it, actorID, now, m.ttl) {
			return conflict(*it)
		}
		placement, err := order.Move(l.Items, itemID, toIndex)
		if err != nil {
			return err
		}
		if !placement.Distinct() {
			m.log.Warn("order collapsed onto a neighbour", "list", listID, "item", itemID, "order", placement.Order)
		}
		it.Order = placement.Order
		it.ClearLock()
		return nil
	})
}

// Delete removes the item unless another actor holds a live lock on it.
func (m *Manager) Delete(ctx context.Context, listID, itemID string, actorID shoplist.ActorID) (shoplist.Item, error) {
	var removed shoplist.Item
	_, err := m.store.UpdateList(ctx, listID, func(l *shoplist.List) error {
		it := l.Item(itemID)
		if it == nil {
			return fmt.Errorf("%w: item %s", shoplist.ErrNotFound, itemID)
		}
		if HeldByOther(*it, actorID, m.now(), m.ttl) {
			return conflict(*it)
		}
		removed, _ = l.Remove(itemID)
		return nil
	})
	return removed, err
}

// Visible returns copies of items with expired locks cleared. It is applied
// to read responses so clients never render a lock nobody holds; nothing is
// written back.
func (m *Manager) Visible(items []shoplist.Item) []shoplist.Item {
	now := m.now()
	out := make([]shoplist.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
		if Expired(it, now, m.ttl) {
			out[i].ClearLock()
		}
	}
	return out
}
