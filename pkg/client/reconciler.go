package client

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/shoplist-sync/pkg/order"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// TempIDPrefix marks items added locally that the server has not confirmed.
const TempIDPrefix = "tmp-"

// Reconciler keeps an optimistic local copy of one list. Mutations apply
// locally before the server call and are rolled back when it fails; remote
// changes are merged as they arrive.
type Reconciler struct {
	api    Server
	listID string
	actor  shoplist.Actor
	now    func() time.Time
	log    *slog.Logger

	mu    sync.Mutex
	items []shoplist.Item
	// inflight holds the unresolved Txns of each item, oldest first.
	inflight map[string][]*Txn
	// touched counts remote merges of items that have a Txn in flight, so a
	// rollback never overwrites a change merged after the mutation began.
	touched map[string]mergeSeq
}

// mergeSeq counts merges that replaced an item's editable fields (or the
// item itself) separately from merges that only changed its lock fields.
type mergeSeq struct {
	fields uint64
	lock   uint64
}

func NewReconciler(api Server, listID string, actor shoplist.Actor, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		api:      api,
		listID:   listID,
		actor:    actor,
		now:      time.Now,
		log:      log,
		inflight: make(map[string][]*Txn),
		touched:  make(map[string]mergeSeq),
	}
}

func (r *Reconciler) ListID() string {
	return r.listID
}

// Txn is the snapshot of one item taken before an optimistic mutation. While
// older Txns on the same item are unresolved, before may be replaced by the
// state they resolve to, so it always holds what the cache should show if
// this mutation alone fails.
type Txn struct {
	r      *Reconciler
	itemID string
	before *shoplist.Item
	seq    mergeSeq
	done   bool
}

func (r *Reconciler) indexLocked(id string) int {
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}

// begin snapshots itemID and runs apply against the cache.
func (r *Reconciler) begin(itemID string, apply func() error) (*Txn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &Txn{r: r, itemID: itemID, seq: r.touched[itemID]}
	if i := r.indexLocked(itemID); i >= 0 {
		before := r.items[i].Clone()
		t.before = &before
	}
	if err := apply(); err != nil {
		return nil, err
	}
	r.inflight[itemID] = append(r.inflight[itemID], t)
	return t, nil
}

// resolveLocked removes t from the in-flight Txns of its item and returns the
// ones issued before and after it. The merge counters are dropped once
// nothing is in flight for the item.
func (r *Reconciler) resolveLocked(t *Txn) (older, newer []*Txn) {
	pending := r.inflight[t.itemID]
	at := slices.Index(pending, t)
	if at < 0 {
		return nil, nil
	}
	older, newer = pending[:at:at], pending[at+1:]
	if len(older)+len(newer) == 0 {
		delete(r.inflight, t.itemID)
		delete(r.touched, t.itemID)
		return nil, nil
	}
	rest := make([]*Txn, 0, len(older)+len(newer))
	rest = append(append(rest, older...), newer...)
	r.inflight[t.itemID] = rest
	return older, newer
}

// Rollback restores the snapshot. A remote add, update or delete of the item
// merged in the meantime supersedes it and nothing is restored; a remote lock
// change only keeps the merged lock fields. When a newer mutation of the item
// is still in flight the cache keeps showing it, and the snapshot is handed to
// that mutation so its own rollback skips the rejected change.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	r := t.r
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.touched[t.itemID]
	_, newer := r.resolveLocked(t)
	if cur.fields != t.seq.fields {
		return
	}
	if len(newer) > 0 {
		newer[0].before = t.before
		newer[0].seq = t.seq
		return
	}
	i := r.indexLocked(t.itemID)
	switch {
	case t.before == nil && i >= 0:
		r.items = append(r.items[:i], r.items[i+1:]...)
	case t.before != nil:
		restored := t.before.Clone()
		if cur.lock != t.seq.lock && i >= 0 {
			restored.CopyLock(r.items[i])
		}
		if i >= 0 {
			r.items[i] = restored
		} else {
			r.items = append(r.items, restored)
		}
	}
}

// Commit replaces the optimistic item (which may carry a temporary id) with
// the server's version. A nil item commits a deletion. The server's version
// becomes the snapshot of every other unresolved Txn on the item; while a
// newer one is in flight the cache keeps showing its optimistic change.
func (t *Txn) Commit(localID string, item *shoplist.Item) {
	if t.done {
		return
	}
	t.done = true
	r := t.r
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.touched[t.itemID]
	older, newer := r.resolveLocked(t)
	for _, p := range append(append([]*Txn(nil), older...), newer...) {
		p.before = nil
		if item != nil {
			committed := item.Clone()
			p.before = &committed
		}
		p.seq = cur
	}
	if item != nil && item.ID == t.itemID && len(newer) > 0 {
		return
	}
	i := r.indexLocked(localID)
	if item == nil {
		if i >= 0 {
			r.items = append(r.items[:i], r.items[i+1:]...)
		}
		return
	}
	if j := r.indexLocked(item.ID); j >= 0 && j != i {
		// already merged under its real id
		r.items[j] = item.Clone()
		if i >= 0 {
			r.items = append(r.items[:i], r.items[i+1:]...)
		}
		return
	}
	if i >= 0 {
		r.items[i] = item.Clone()
	} else {
		r.items = append(r.items, item.Clone())
	}
}

// Load replaces the cache with the server's items. It also serves as the
// full refetch after a reconnect, since no changes are replayed.
func (r *Reconciler) Load(ctx context.Context) error {
	items, err := r.api.Items(ctx, r.listID, order.ByCustom)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]shoplist.Item, 0, len(items))
	for _, it := range items {
		r.items = append(r.items, it.Clone())
	}
	// the refetched items supersede every snapshot still in flight
	for id := range r.inflight {
		seq := r.touched[id]
		seq.fields++
		r.touched[id] = seq
	}
	return nil
}

// Items returns a sorted copy of the cache.
func (r *Reconciler) Items(mode order.SortMode) []shoplist.Item {
	r.mu.Lock()
	out := make([]shoplist.Item, len(r.items))
	for i, it := range r.items {
		out[i] = it.Clone()
	}
	r.mu.Unlock()
	order.Sort(out, mode)
	return out
}

func (r *Reconciler) Item(id string) (shoplist.Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.items[i].Clone(), true
	}
	return shoplist.Item{}, false
}

func notCached(id string) error {
	return fmt.Errorf("%w: item %s is not in the local list", shoplist.ErrNotFound, id)
}

func (r *Reconciler) Add(ctx context.Context, req shoplist.NewItemRequest) (shoplist.Item, error) {
	if err := req.Validate(); err != nil {
		return shoplist.Item{}, err
	}
	tmp := req.Item(r.actor.ID, r.now())
	tmp.ID = TempIDPrefix + uuid.NewString()
	txn, err := r.begin(tmp.ID, func() error {
		tmp.Order = order.Append(r.items)
		r.items = append(r.items, tmp)
		return nil
	})
	if err != nil {
		return shoplist.Item{}, err
	}
	created, err := r.api.AddItem(ctx, r.listID, req)
	if err != nil {
		txn.Rollback()
		return shoplist.Item{}, err
	}
	txn.Commit(tmp.ID, &created)
	return created, nil
}

func (r *Reconciler) Update(ctx context.Context, itemID string, patch shoplist.ItemPatch) (shoplist.Item, error) {
	if err := patch.Validate(); err != nil {
		return shoplist.Item{}, err
	}
	txn, err := r.begin(itemID, func() error {
		i := r.indexLocked(itemID)
		if i < 0 {
			return notCached(itemID)
		}
		if patch.DragsCompleted(r.items[i]) {
			return fmt.Errorf("%w: %s", shoplist.ErrNotDraggable, itemID)
		}
		patch.Apply(&r.items[i])
		r.items[i].ClearLock()
		return nil
	})
	if err != nil {
		return shoplist.Item{}, err
	}
	updated, err := r.api.UpdateItem(ctx, r.listID, itemID, patch)
	if err != nil {
		txn.Rollback()
		return shoplist.Item{}, err
	}
	txn.Commit(itemID, &updated)
	return updated, nil
}

func (r *Reconciler) Delete(ctx context.Context, itemID string) error {
	txn, err := r.begin(itemID, func() error {
		i := r.indexLocked(itemID)
		if i < 0 {
			return notCached(itemID)
		}
		r.items = append(r.items[:i], r.items[i+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.api.DeleteItem(ctx, r.listID, itemID); err != nil {
		txn.Rollback()
		return err
	}
	txn.Commit(itemID, nil)
	return nil
}

// Move reorders locally with the same fractional rule the server uses, then
// lets the server compute the authoritative position.
func (r *Reconciler) Move(ctx context.Context, itemID string, toIndex int) (shoplist.Item, error) {
	txn, err := r.begin(itemID, func() error {
		i := r.indexLocked(itemID)
		if i < 0 {
			return notCached(itemID)
		}
		p, err := order.Move(r.items, itemID, toIndex)
		if err != nil {
			return err
		}
		r.items[i].Order = p.Order
		return nil
	})
	if err != nil {
		return shoplist.Item{}, err
	}
	moved, err := r.api.MoveItem(ctx, r.listID, itemID, toIndex)
	if err != nil {
		txn.Rollback()
		return shoplist.Item{}, err
	}
	txn.Commit(itemID, &moved)
	return moved, nil
}

func (r *Reconciler) Lock(ctx context.Context, itemID string) (shoplist.Item, error) {
	txn, err := r.begin(itemID, func() error {
		i := r.indexLocked(itemID)
		if i < 0 {
			return notCached(itemID)
		}
		r.items[i].SetLock(r.actor, r.now())
		return nil
	})
	if err != nil {
		return shoplist.Item{}, err
	}
	locked, err := r.api.LockItem(ctx, r.listID, itemID)
	if err != nil {
		txn.Rollback()
		return shoplist.Item{}, err
	}
	txn.Commit(itemID, &locked)
	return locked, nil
}

func (r *Reconciler) Unlock(ctx context.Context, itemID string) (shoplist.Item, error) {
	txn, err := r.begin(itemID, func() error {
		i := r.indexLocked(itemID)
		if i < 0 {
			return notCached(itemID)
		}
		r.items[i].ClearLock()
		return nil
	})
	if err != nil {
		return shoplist.Item{}, err
	}
	unlocked, err := r.api.UnlockItem(ctx, r.listID, itemID)
	if err != nil {
		txn.Rollback()
		return shoplist.Item{}, err
	}
	txn.Commit(itemID, &unlocked)
	return unlocked, nil
}

// MergeRemote folds a change made by another actor into the cache. Applying
// the same change twice leaves the cache as applying it once.
func (r *Reconciler) MergeRemote(c shoplist.Change) {
	if c.ActorID == r.actor.ID || (c.ListID != "" && c.ListID != r.listID) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(c.Item.ID)
	seq := r.touched[c.Item.ID]
	switch c.Type {
	case shoplist.ChangeAdded:
		if i < 0 {
			r.items = append(r.items, c.Item.Clone())
		}
		seq.fields++
	case shoplist.ChangeUpdated:
		if i < 0 {
			it := c.Item.Clone()
			it.ClearLock()
			r.items = append(r.items, it)
		} else {
			r.items[i].CopyFields(c.Item)
			r.items[i].ClearLock()
		}
		seq.fields++
	case shoplist.ChangeLocked, shoplist.ChangeUnlocked:
		if i < 0 {
			r.items = append(r.items, c.Item.Clone())
		} else {
			r.items[i].CopyLock(c.Item)
		}
		seq.lock++
	case shoplist.ChangeDeleted:
		if i >= 0 {
			r.items = append(r.items[:i], r.items[i+1:]...)
		}
		seq.fields++
	default:
		r.log.Warn("ignoring unknown change", "type", c.Type)
		return
	}
	if _, ok := r.inflight[c.Item.ID]; ok {
		r.touched[c.Item.ID] = seq
	}
}
