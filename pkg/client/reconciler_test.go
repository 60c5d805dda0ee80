package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/astromechza/shoplist-sync/pkg/order"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// fakeServer answers from a fixed item set. err, when set, is returned from
// every mutation; gate, when set, blocks mutations until it is closed.
type fakeServer struct {
	mu    sync.Mutex
	items []shoplist.Item
	err   error
	gate  chan struct{}
	calls int
	next  int
}

func (f *fakeServer) Items(context.Context, string, order.SortMode) ([]shoplist.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shoplist.Item(nil), f.items...), nil
}

func (f *fakeServer) mutate(itemID string, apply func(*shoplist.Item)) (shoplist.Item, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return shoplist.Item{}, f.err
	}
	for i := range f.items {
		if f.items[i].ID == itemID {
			apply(&f.items[i])
			return f.items[i], nil
		}
	}
	return shoplist.Item{}, shoplist.ErrNotFound
}

func (f *fakeServer) AddItem(_ context.Context, _ string, req shoplist.NewItemRequest) (shoplist.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return shoplist.Item{}, f.err
	}
	f.next++
	it := req.Item("me", time.Unix(0, 0))
	it.ID = fmt.Sprintf("srv-%d", f.next)
	it.Order = order.Append(f.items)
	f.items = append(f.items, it)
	return it, nil
}

func (f *fakeServer) UpdateItem(_ context.Context, _, itemID string, patch shoplist.ItemPatch) (shoplist.Item, error) {
	return f.mutate(itemID, func(it *shoplist.Item) { patch.Apply(it); it.ClearLock() })
}

func (f *fakeServer) DeleteItem(_ context.Context, _, itemID string) error {
	_, err := f.mutate(itemID, func(*shoplist.Item) {})
	return err
}

func (f *fakeServer) LockItem(_ context.Context, _, itemID string) (shoplist.Item, error) {
	return f.mutate(itemID, func(it *shoplist.Item) { it.SetLock(me, time.Unix(10, 0)) })
}

func (f *fakeServer) UnlockItem(_ context.Context, _, itemID string) (shoplist.Item, error) {
	return f.mutate(itemID, func(it *shoplist.Item) { it.ClearLock() })
}

func (f *fakeServer) MoveItem(_ context.Context, _, itemID string, toIndex int) (shoplist.Item, error) {
	return f.mutate(itemID, func(it *shoplist.Item) { it.Order = float64(toIndex) })
}

var me = shoplist.Actor{ID: "me", Name: "Me"}

func seeded(t *testing.T) (*fakeServer, *Reconciler) {
	t.Helper()
	f := &fakeServer{items: []shoplist.Item{
		{ID: "I1", Name: "Milk", Quantity: 1, Unit: "ks", Order: 1},
		{ID: "I2", Name: "Bread", Quantity: 1, Unit: "ks", Order: 2},
	}}
	r := NewReconciler(f, "L", me, quiet())
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f, r
}

func names(items []shoplist.Item) string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return strings.Join(out, ",")
}

func transportErr() error {
	return fmt.Errorf("%w: connection reset", shoplist.ErrTransport)
}

func TestAddCommitsServerID(t *testing.T) {
	_, r := seeded(t)
	got, err := r.Add(context.Background(), shoplist.NewItemRequest{Name: "Eggs"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "srv-1" {
		t.Fatalf("id %s", got.ID)
	}
	items := r.Items(order.ByCustom)
	if names(items) != "Milk,Bread,Eggs" {
		t.Fatalf("items %s", names(items))
	}
	for _, it := range items {
		if strings.HasPrefix(it.ID, TempIDPrefix) {
			t.Fatalf("temporary id %s left behind", it.ID)
		}
	}
}

func TestTransportErrorRollsBack(t *testing.T) {
	ctx := context.Background()

	t.Run("add", func(t *testing.T) {
		f, r := seeded(t)
		f.err = transportErr()
		if _, err := r.Add(ctx, shoplist.NewItemRequest{Name: "Eggs"}); !errors.Is(err, shoplist.ErrTransport) {
			t.Fatalf("got %v", err)
		}
		if got := names(r.Items(order.ByCustom)); got != "Milk,Bread" {
			t.Fatalf("items after rollback %s", got)
		}
	})

	t.Run("update", func(t *testing.T) {
		f, r := seeded(t)
		f.err = transportErr()
		name := "Oat milk"
		if _, err := r.Update(ctx, "I1", shoplist.ItemPatch{Name: &name}); !errors.Is(err, shoplist.ErrTransport) {
			t.Fatalf("got %v", err)
		}
		if it, _ := r.Item("I1"); it.Name != "Milk" {
			t.Fatalf("name after rollback %s", it.Name)
		}
	})

	t.Run("delete", func(t *testing.T) {
		f, r := seeded(t)
		f.err = transportErr()
		if err := r.Delete(ctx, "I2"); !errors.Is(err, shoplist.ErrTransport) {
			t.Fatalf("got %v", err)
		}
		if got := names(r.Items(order.ByCustom)); got != "Milk,Bread" {
			t.Fatalf("items after rollback %s", got)
		}
	})

	t.Run("move", func(t *testing.T) {
		f, r := seeded(t)
		f.err = transportErr()
		if _, err := r.Move(ctx, "I2", 0); !errors.Is(err, shoplist.ErrTransport) {
			t.Fatalf("got %v", err)
		}
		if got := names(r.Items(order.ByCustom)); got != "Milk,Bread" {
			t.Fatalf("order after rollback %s", got)
		}
	})
}

func TestLockConflictRollsBack(t *testing.T) {
	f, r := seeded(t)
	f.err = &shoplist.LockConflictError{HeldBy: "x", HeldByName: "Xena"}
	_, err := r.Lock(context.Background(), "I1")
	if msg, ok := shoplist.ConflictMessage(err); !ok || msg != "being edited by Xena" {
		t.Fatalf("got %v", err)
	}
	if it, _ := r.Item("I1"); it.Locked() {
		t.Fatal("optimistic lock kept after conflict")
	}
}

func TestLockCommitsAndUnlockClears(t *testing.T) {
	_, r := seeded(t)
	ctx := context.Background()
	if _, err := r.Lock(ctx, "I1"); err != nil {
		t.Fatal(err)
	}
	if it, _ := r.Item("I1"); it.LockedBy != "me" || it.LockedAt == nil {
		t.Fatalf("lock not committed: %+v", it)
	}
	if _, err := r.Unlock(ctx, "I1"); err != nil {
		t.Fatal(err)
	}
	if it, _ := r.Item("I1"); it.Locked() {
		t.Fatal("unlock did not clear the lock")
	}
}

func TestLocalValidation(t *testing.T) {
	f, r := seeded(t)
	ctx := context.Background()
	if _, err := r.Add(ctx, shoplist.NewItemRequest{}); !errors.Is(err, shoplist.ErrInvalid) {
		t.Fatalf("add without name: %v", err)
	}
	if _, err := r.Lock(ctx, "nope"); !errors.Is(err, shoplist.ErrNotFound) {
		t.Fatalf("lock uncached: %v", err)
	}
	done := true
	if _, err := r.Update(ctx, "I1", shoplist.ItemPatch{Completed: &done}); err != nil {
		t.Fatal(err)
	}
	calls := f.calls
	if _, err := r.Move(ctx, "I1", 1); !errors.Is(err, shoplist.ErrNotDraggable) {
		t.Fatalf("move completed: %v", err)
	}
	if f.calls != calls {
		t.Fatal("rejected move still reached the server")
	}
}

func TestMergeRemote(t *testing.T) {
	_, r := seeded(t)
	at := time.Unix(100, 0).UTC()
	eggs := shoplist.Item{ID: "I3", Name: "Eggs", Quantity: 6, Unit: "ks", Order: 3}
	change := func(typ shoplist.ChangeType, it shoplist.Item) shoplist.Change {
		return shoplist.Change{Type: typ, Item: it, ActorID: "x", ActorName: "Xena", ListID: "L"}
	}

	r.MergeRemote(change(shoplist.ChangeAdded, eggs))
	r.MergeRemote(change(shoplist.ChangeAdded, eggs))
	if got := names(r.Items(order.ByCustom)); got != "Milk,Bread,Eggs" {
		t.Fatalf("after duplicate add %s", got)
	}

	locked := eggs
	locked.Name = "ignored by lock merge"
	locked.SetLock(shoplist.Actor{ID: "x", Name: "Xena"}, at)
	r.MergeRemote(change(shoplist.ChangeLocked, locked))
	it, _ := r.Item("I3")
	if it.Name != "Eggs" || it.LockedByName != "Xena" || !it.LockedAt.Equal(at) {
		t.Fatalf("lock merge %+v", it)
	}

	edited := locked
	edited.Name = "Free range eggs"
	r.MergeRemote(change(shoplist.ChangeUpdated, edited))
	r.MergeRemote(change(shoplist.ChangeUpdated, edited))
	it, _ = r.Item("I3")
	if it.Name != "Free range eggs" || it.Locked() {
		t.Fatalf("update merge %+v", it)
	}

	r.MergeRemote(change(shoplist.ChangeDeleted, eggs))
	r.MergeRemote(change(shoplist.ChangeDeleted, eggs))
	if got := names(r.Items(order.ByCustom)); got != "Milk,Bread" {
		t.Fatalf("after delete %s", got)
	}

	own := change(shoplist.ChangeDeleted, shoplist.Item{ID: "I1"})
	own.ActorID = "me"
	r.MergeRemote(own)
	other := change(shoplist.ChangeDeleted, shoplist.Item{ID: "I1"})
	other.ListID = "other"
	r.MergeRemote(other)
	if got := names(r.Items(order.ByCustom)); got != "Milk,Bread" {
		t.Fatalf("own or foreign change merged: %s", got)
	}
}

func TestRollbackKeepsNewerRemoteChange(t *testing.T) {
	f, r := seeded(t)
	f.err = transportErr()
	f.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		name := "Oat milk"
		_, err := r.Update(context.Background(), "I1", shoplist.ItemPatch{Name: &name})
		errc <- err
	}()

	waitFor(t, time.Second, func() bool {
		it, _ := r.Item("I1")
		return it.Name == "Oat milk"
	})
	r.MergeRemote(shoplist.Change{
		Type:    shoplist.ChangeUpdated,
		Item:    shoplist.Item{ID: "I1", Name: "Goat milk", Quantity: 2, Unit: "l", Order: 1},
		ActorID: "x",
		ListID:  "L",
	})
	close(f.gate)

	if err := <-errc; !errors.Is(err, shoplist.ErrTransport) {
		t.Fatalf("got %v", err)
	}
	if it, _ := r.Item("I1"); it.Name != "Goat milk" || it.Unit != "l" {
		t.Fatalf("rollback clobbered the remote change: %+v", it)
	}
}

func TestRollbackAfterRemoteLockMerge(t *testing.T) {
	ops := []struct {
		name     string
		itemID   string
		run      func(r *Reconciler) error
		applied  func(it shoplist.Item) bool
		restored func(it shoplist.Item) bool
	}{
		{
			name:   "update",
			itemID: "I1",
			run: func(r *Reconciler) error {
				name := "Oat milk"
				_, err := r.Update(context.Background(), "I1", shoplist.ItemPatch{Name: &name})
				return err
			},
			applied:  func(it shoplist.Item) bool { return it.Name == "Oat milk" },
			restored: func(it shoplist.Item) bool { return it.Name == "Milk" },
		},
		{
			name:   "move",
			itemID: "I2",
			run: func(r *Reconciler) error {
				_, err := r.Move(context.Background(), "I2", 0)
				return err
			},
			applied:  func(it shoplist.Item) bool { return it.Order == 0 },
			restored: func(it shoplist.Item) bool { return it.Order == 2 },
		},
		{
			name:   "lock",
			itemID: "I1",
			run: func(r *Reconciler) error {
				_, err := r.Lock(context.Background(), "I1")
				return err
			},
			applied:  func(it shoplist.Item) bool { return it.LockedBy == "me" },
			restored: func(it shoplist.Item) bool { return it.Name == "Milk" },
		},
	}
	failures := []struct {
		name string
		err  error
		is   error
	}{
		{name: "lock conflict", err: &shoplist.LockConflictError{HeldBy: "y", HeldByName: "Yuri"}, is: shoplist.ErrLockConflict},
		{name: "transport", err: transportErr(), is: shoplist.ErrTransport},
	}
	at := time.Unix(200, 0).UTC()

	for _, op := range ops {
		for _, failure := range failures {
			t.Run(op.name+"/"+failure.name, func(t *testing.T) {
				f, r := seeded(t)
				f.err = failure.err
				f.gate = make(chan struct{})

				errc := make(chan error, 1)
				go func() { errc <- op.run(r) }()
				waitFor(t, time.Second, func() bool {
					it, _ := r.Item(op.itemID)
					return op.applied(it)
				})

				remote, _ := r.Item(op.itemID)
				remote.Name = "ignored by lock merge"
				remote.SetLock(shoplist.Actor{ID: "y", Name: "Yuri"}, at)
				r.MergeRemote(shoplist.Change{Type: shoplist.ChangeLocked, Item: remote, ActorID: "y", ActorName: "Yuri", ListID: "L"})
				close(f.gate)

				if err := <-errc; !errors.Is(err, failure.is) {
					t.Fatalf("got %v, want %v", err, failure.is)
				}
				it, _ := r.Item(op.itemID)
				if !op.restored(it) {
					t.Fatalf("rejected %s survived rollback: %+v", op.name, it)
				}
				if it.LockedBy != "y" || it.LockedByName != "Yuri" || it.LockedAt == nil || !it.LockedAt.Equal(at) {
					t.Fatalf("merged lock lost on rollback: %+v", it)
				}
			})
		}
	}
}

func TestUpdateRejectsReorderOfCompletedLocally(t *testing.T) {
	f, r := seeded(t)
	ctx := context.Background()
	done := true
	if _, err := r.Update(ctx, "I1", shoplist.ItemPatch{Completed: &done}); err != nil {
		t.Fatal(err)
	}
	calls := f.calls
	head := -5.0
	if _, err := r.Update(ctx, "I1", shoplist.ItemPatch{Order: &head}); !errors.Is(err, shoplist.ErrNotDraggable) {
		t.Fatalf("got %v, want ErrNotDraggable", err)
	}
	if it, _ := r.Item("I1"); it.Order != 1 || f.calls != calls {
		t.Fatalf("rejected reorder applied or sent: order=%v calls=%d", it.Order, f.calls-calls)
	}
}

// stagedServer holds every update and move until the test resolves it, so
// overlapping mutations can be answered in any order.
type stagedServer struct {
	*fakeServer
	mu     sync.Mutex
	stages []chan error
}

func (s *stagedServer) wait() error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.stages = append(s.stages, ch)
	s.mu.Unlock()
	return <-ch
}

func (s *stagedServer) staged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stages)
}

func (s *stagedServer) resolve(i int, err error) {
	s.mu.Lock()
	ch := s.stages[i]
	s.mu.Unlock()
	ch <- err
}

func (s *stagedServer) UpdateItem(ctx context.Context, listID, itemID string, patch shoplist.ItemPatch) (shoplist.Item, error) {
	if err := s.wait(); err != nil {
		return shoplist.Item{}, err
	}
	return s.fakeServer.UpdateItem(ctx, listID, itemID, patch)
}

func (s *stagedServer) MoveItem(ctx context.Context, listID, itemID string, toIndex int) (shoplist.Item, error) {
	if err := s.wait(); err != nil {
		return shoplist.Item{}, err
	}
	return s.fakeServer.MoveItem(ctx, listID, itemID, toIndex)
}

func TestOverlappingMutationsEndAtServerState(t *testing.T) {
	rename := func(name string) func(*Reconciler) error {
		return func(r *Reconciler) error {
			_, err := r.Update(context.Background(), "I1", shoplist.ItemPatch{Name: &name})
			return err
		}
	}
	move := func(to int) func(*Reconciler) error {
		return func(r *Reconciler) error {
			_, err := r.Move(context.Background(), "I2", to)
			return err
		}
	}
	ops := []struct {
		name   string
		itemID string
		first  func(*Reconciler) error
		second func(*Reconciler) error
	}{
		{name: "update", itemID: "I1", first: rename("Oat milk"), second: rename("Soy milk")},
		{name: "move", itemID: "I2", first: move(0), second: move(5)},
	}
	// outcomes lists (stage, error) pairs in the order the server answers.
	type answer struct {
		stage int
		err   error
	}
	outcomes := []struct {
		name    string
		answers []answer
	}{
		{name: "both fail in order", answers: []answer{{0, transportErr()}, {1, transportErr()}}},
		{name: "both fail reversed", answers: []answer{{1, transportErr()}, {0, transportErr()}}},
		{name: "first fails second succeeds", answers: []answer{{0, transportErr()}, {1, nil}}},
		{name: "first succeeds second fails", answers: []answer{{0, nil}, {1, transportErr()}}},
		{name: "second succeeds first fails", answers: []answer{{1, nil}, {0, transportErr()}}},
	}

	for _, op := range ops {
		for _, outcome := range outcomes {
			t.Run(op.name+"/"+outcome.name, func(t *testing.T) {
				f, _ := seeded(t)
				s := &stagedServer{fakeServer: f}
				r := NewReconciler(s, "L", me, quiet())
				if err := r.Load(context.Background()); err != nil {
					t.Fatal(err)
				}

				errs := make([]chan error, 2)
				for i, run := range []func(*Reconciler) error{op.first, op.second} {
					errs[i] = make(chan error, 1)
					go func() { errs[i] <- run(r) }()
					waitFor(t, time.Second, func() bool { return s.staged() == i+1 })
				}
				for _, a := range outcome.answers {
					s.resolve(a.stage, a.err)
					if err := <-errs[a.stage]; (err != nil) != (a.err != nil) {
						t.Fatalf("stage %d returned %v", a.stage, err)
					}
				}

				var want shoplist.Item
				for _, it := range f.items {
					if it.ID == op.itemID {
						want = it
					}
				}
				got, ok := r.Item(op.itemID)
				if !ok || got.Name != want.Name || got.Order != want.Order || got.Locked() {
					t.Fatalf("cache %+v, server %+v", got, want)
				}
				if len(r.inflight) != 0 || len(r.touched) != 0 {
					t.Fatalf("bookkeeping left behind: %d in flight, %d touched", len(r.inflight), len(r.touched))
				}
			})
		}
	}
}

func TestMergeBookkeepingOnlyWhileInFlight(t *testing.T) {
	f, r := seeded(t)
	remote, _ := r.Item("I2")
	remote.Name = "Rye bread"
	for i := 0; i < 3; i++ {
		r.MergeRemote(shoplist.Change{Type: shoplist.ChangeUpdated, Item: remote, ActorID: "y", ListID: "L"})
		r.MergeRemote(shoplist.Change{Type: shoplist.ChangeDeleted, Item: shoplist.Item{ID: fmt.Sprintf("gone-%d", i)}, ActorID: "y", ListID: "L"})
	}
	if len(r.touched) != 0 {
		t.Fatalf("touched grew to %d with nothing in flight", len(r.touched))
	}

	f.gate = make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		name := "Oat milk"
		_, err := r.Update(context.Background(), "I1", shoplist.ItemPatch{Name: &name})
		errc <- err
	}()
	waitFor(t, time.Second, func() bool {
		it, _ := r.Item("I1")
		return it.Name == "Oat milk"
	})
	remote, _ = r.Item("I1")
	remote.SetLock(shoplist.Actor{ID: "y", Name: "Yuri"}, time.Unix(300, 0))
	r.MergeRemote(shoplist.Change{Type: shoplist.ChangeLocked, Item: remote, ActorID: "y", ListID: "L"})
	r.mu.Lock()
	seq := r.touched["I1"]
	r.mu.Unlock()
	if seq.lock != 1 || seq.fields != 0 {
		t.Fatalf("merge not counted while in flight: %+v", seq)
	}
	close(f.gate)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inflight) != 0 || len(r.touched) != 0 {
		t.Fatalf("bookkeeping left behind: %d in flight, %d touched", len(r.inflight), len(r.touched))
	}
}
