package broadcast

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/astromechza/shoplist-sync/pkg/metrics"
	"github.com/astromechza/shoplist-sync/pkg/protocol"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

type fakeSub struct {
	id    string
	actor shoplist.Actor
	ch    chan []byte
}

func newSub(id string, actor shoplist.ActorID, buf int) *fakeSub {
	return &fakeSub{id: id, actor: shoplist.Actor{ID: actor, Name: string(actor)}, ch: make(chan []byte, buf)}
}

func (s *fakeSub) ConnID() string         { return s.id }
func (s *fakeSub) Actor() shoplist.Actor { return s.actor }
func (s *fakeSub) Send(frame []byte) bool {
	select {
	case s.ch <- frame:
		return true
	default:
		return false
	}
}

func recvWithin(t *testing.T, s *fakeSub, d time.Duration) protocol.Message {
	t.Helper()
	select {
	case raw := <-s.ch:
		m, err := protocol.Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		return m
	case <-time.After(d):
		t.Fatalf("%s received nothing within %v", s.id, d)
	}
	return protocol.Message{}
}

func assertSilent(t *testing.T, s *fakeSub) {
	t.Helper()
	select {
	case raw := <-s.ch:
		t.Fatalf("%s unexpectedly received %s", s.id, raw)
	default:
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []shoplist.Change
	done    chan struct{}
}

func (n *recordingNotifier) Notify(_ context.Context, _ shoplist.Ref, c shoplist.Change) {
	n.mu.Lock()
	n.changes = append(n.changes, c)
	n.mu.Unlock()
	if n.done != nil {
		n.done <- struct{}{}
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var ref = shoplist.Ref{ID: "L", Name: "Weekend", GroupID: "g"}

func added(actor shoplist.ActorID) shoplist.Change {
	return shoplist.Change{Type: shoplist.ChangeAdded, Item: shoplist.Item{ID: "I1", Name: "Milk"}, ActorID: actor, ActorName: string(actor)}
}

func TestBroadcastExcludesActorConnections(t *testing.T) {
	r := NewRegistry()
	xPhone := newSub("c1", "x", 4)
	xLaptop := newSub("c2", "x", 4)
	y := newSub("c3", "y", 4)
	other := newSub("c4", "z", 4)
	r.Join("L", xPhone)
	r.Join("L", xLaptop)
	r.Join("L", y)
	r.Join("OTHER", other)

	m := metrics.New()
	b := New(r, WithMetrics(m), WithLogger(quiet()))
	if n := b.Broadcast(context.Background(), ref, added("x")); n != 1 {
		t.Fatalf("delivered to %d, want 1", n)
	}

	got := recvWithin(t, y, time.Second)
	if got.Type != protocol.TypeChange || got.Change.Type != shoplist.ChangeAdded || got.Change.ListID != "L" || got.Change.ActorID != "x" {
		t.Fatalf("unexpected frame %+v", got)
	}
	assertSilent(t, xPhone)
	assertSilent(t, xLaptop)
	assertSilent(t, other)

	if v := testutil.ToFloat64(m.Broadcasts.WithLabelValues("added")); v != 1 {
		t.Fatalf("broadcast counter = %v", v)
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	r := NewRegistry()
	slow := newSub("c1", "y", 1)
	r.Join("L", slow)
	m := metrics.New()
	b := New(r, WithMetrics(m), WithLogger(quiet()))

	b.Broadcast(context.Background(), ref, added("x"))
	if n := b.Broadcast(context.Background(), ref, added("x")); n != 0 {
		t.Fatalf("full buffer accepted a frame")
	}
	if v := testutil.ToFloat64(m.Dropped); v != 1 {
		t.Fatalf("dropped = %v", v)
	}
}

func TestBroadcastNotifies(t *testing.T) {
	n := &recordingNotifier{done: make(chan struct{}, 8)}
	b := New(NewRegistry(), WithNotifier(n), WithLogger(quiet()))

	for _, typ := range []shoplist.ChangeType{shoplist.ChangeAdded, shoplist.ChangeDeleted, shoplist.ChangeUnlocked} {
		c := added("x")
		c.Type = typ
		b.Broadcast(context.Background(), ref, c)
	}
	b.Close()

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.changes) != 2 {
		t.Fatalf("notified %d changes, want 2 (deleted is silent)", len(n.changes))
	}
	for _, c := range n.changes {
		if c.Type == shoplist.ChangeDeleted {
			t.Fatal("deleted change notified")
		}
	}
}

func TestBroadcastSurvivesCancelledRequest(t *testing.T) {
	n := &recordingNotifier{done: make(chan struct{}, 1)}
	b := New(NewRegistry(), WithNotifier(n), WithLogger(quiet()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Broadcast(ctx, ref, added("x"))
	select {
	case <-n.done:
	case <-time.After(time.Second):
		t.Fatal("notification skipped after request cancellation")
	}
	b.Close()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newSub("c1", "x", 1)
	a2 := newSub("c2", "x", 1)
	bsub := newSub("c3", "y", 1)

	if !r.Join("L1", a) || r.Join("L1", a) {
		t.Fatal("join must report only the first registration")
	}
	r.Join("L2", a)
	r.Join("L1", a2)
	r.Join("L1", bsub)

	members := r.Members("L1")
	if len(members) != 2 || members[0].ActorID != "x" || members[1].ActorID != "y" {
		t.Fatalf("members = %+v", members)
	}
	if rooms := r.Rooms("c1"); len(rooms) != 2 || rooms[0] != "L1" || rooms[1] != "L2" {
		t.Fatalf("rooms = %v", rooms)
	}

	if !r.Leave("L1", "c3") || r.Leave("L1", "c3") {
		t.Fatal("leave must report membership once")
	}
	left := r.RemoveConn("c1")
	if len(left) != 2 || left[0] != "L1" || left[1] != "L2" {
		t.Fatalf("RemoveConn left %v", left)
	}
	if len(r.Subscribers("L2")) != 0 {
		t.Fatal("removed connection still subscribed")
	}
	if len(r.Rooms("c1")) != 0 {
		t.Fatal("reverse index not cleared")
	}
	if subs := r.Subscribers("L1"); len(subs) != 1 || subs[0].ConnID() != "c2" {
		t.Fatalf("L1 subscribers = %v", subs)
	}
}

func TestPresence(t *testing.T) {
	r := NewRegistry()
	x := newSub("c1", "x", 2)
	y := newSub("c2", "y", 2)
	r.Join("L", x)
	r.Join("L", y)
	New(r, WithLogger(quiet())).Presence("L")

	for _, s := range []*fakeSub{x, y} {
		m := recvWithin(t, s, time.Second)
		if m.Type != protocol.TypePresence || len(m.Members) != 2 {
			t.Fatalf("presence frame %+v", m)
		}
	}
}
