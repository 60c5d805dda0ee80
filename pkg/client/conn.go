package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/astromechza/shoplist-sync/pkg/protocol"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = time.Second
	DefaultMaxAttempts    = 10
)

// ErrGaveUp is returned once the connection attempt budget is spent. The
// Conn stays disconnected until Connect is called again.
var ErrGaveUp = errors.New("giving up on realtime connection")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Hooks are called from the connection's goroutines, never with the Conn's
// lock held.
type Hooks struct {
	OnChange  func(shoplist.Change)
	OnConnect func()
	OnState   func(State)
	OnGiveUp  func(error)
}

type pendingJoin struct {
	listID  string
	actorID shoplist.ActorID
}

// Conn is a realtime connection that reconnects after remote drops and
// rejoins the rooms it was in. A local Disconnect never reconnects.
type Conn struct {
	url            string
	actorID        shoplist.ActorID
	dialer         Dialer
	connectTimeout time.Duration
	maxAttempts    int
	hooks          Hooks
	log            *slog.Logger

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	gen       int
	connID    string
	attempts  int
	delay     backoff.BackOff
	timer     *time.Timer
	pending   []pendingJoin
	joined    map[string]struct{}
	local     bool
	connectMu sync.Mutex
	writeMu   sync.Mutex
}

type ConnOption func(*Conn)

func WithDialer(d Dialer) ConnOption {
	return func(c *Conn) {
		c.dialer = d
	}
}

func WithConnectTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithReconnectBackOff sets the delay policy between reconnect attempts.
func WithReconnectBackOff(b backoff.BackOff) ConnOption {
	return func(c *Conn) {
		c.delay = b
	}
}

// WithMaxAttempts sets how many consecutive failed attempts are retried. The
// failure after that is terminal and returns ErrGaveUp.
func WithMaxAttempts(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithHooks(h Hooks) ConnOption {
	return func(c *Conn) {
		c.hooks = h
	}
}

func WithConnLogger(log *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.log = log
	}
}

func NewConn(url string, actorID shoplist.ActorID, opts ...ConnOption) *Conn {
	c := &Conn{
		url:            url,
		actorID:        actorID,
		dialer:         websocket.DefaultDialer,
		connectTimeout: DefaultConnectTimeout,
		maxAttempts:    DefaultMaxAttempts,
		delay:          backoff.NewConstantBackOff(DefaultReconnectDelay),
		joined:         make(map[string]struct{}),
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnID is the server assigned id of the current connection.
func (c *Conn) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// PendingJoins lists the rooms queued for the next successful connect.
func (c *Conn) PendingJoins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.listID)
	}
	return out
}

func (c *Conn) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	if c.hooks.OnState == nil {
		return func() {}
	}
	return func() { c.hooks.OnState(s) }
}

// Connect opens the realtime connection. It is a no-op when already
// connected and replaces a stale socket otherwise. On success the pending
// joins are flushed and the attempt counter resets. A failed attempt
// schedules another one until the attempt budget is spent, at which point
// ErrGaveUp is returned.
func (c *Conn) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.state == Connected && c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.gen++
	c.local = false
	c.stopTimerLocked()
	notify := func() {}
	if c.state != Reconnecting {
		notify = c.setStateLocked(Connecting)
	}
	c.mu.Unlock()
	notify()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancel()

	c.mu.Lock()
	if err != nil {
		c.attempts++
		attempts := c.attempts
		if attempts > c.maxAttempts {
			c.attempts = 0
			c.delay.Reset()
			notify = c.setStateLocked(Disconnected)
			c.mu.Unlock()
			notify()
			return fmt.Errorf("%w after %d attempts: %w: %v", ErrGaveUp, attempts, shoplist.ErrTransport, err)
		}
		if c.local {
			notify = c.setStateLocked(Disconnected)
		} else {
			notify = c.setStateLocked(Reconnecting)
			c.scheduleLocked()
		}
		c.mu.Unlock()
		notify()
		c.log.Warn("failed to connect", "url", c.url, "attempt", attempts, "err", err)
		return fmt.Errorf("%w: failed to connect: %v", shoplist.ErrTransport, err)
	}
	if c.local {
		// Disconnect was called while dialing.
		c.mu.Unlock()
		_ = ws.Close()
		return fmt.Errorf("%w: disconnected while connecting", shoplist.ErrTransport)
	}
	c.ws = ws
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.delay.Reset()
	pending := c.pending
	c.pending = nil
	notify = c.setStateLocked(Connected)
	c.mu.Unlock()
	notify()

	go c.readLoop(ws, gen)

	for i, p := range pending {
		if err := c.sendJoin(p.listID); err != nil {
			c.mu.Lock()
			c.requeueLocked(pending[i:])
			c.mu.Unlock()
			// the socket is unusable; reconnect and flush again from there
			c.dropped(gen, err)
			return err
		}
	}
	c.log.Info("connected", "url", c.url, "rejoined", len(pending))
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect()
	}
	return nil
}

func (c *Conn) requeueLocked(joins []pendingJoin) {
	for _, p := range joins {
		dup := false
		for _, q := range c.pending {
			if q == p {
				dup = true
				break
			}
		}
		if !dup {
			c.pending = append(c.pending, p)
		}
	}
}

func (c *Conn) write(ws *websocket.Conn, m protocol.Message) error {
	raw, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: failed to write message: %v", shoplist.ErrTransport, err)
	}
	return nil
}

func (c *Conn) sendJoin(listID string) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("%w: not connected", shoplist.ErrTransport)
	}
	if err := c.write(ws, protocol.Join(listID)); err != nil {
		return err
	}
	c.mu.Lock()
	c.joined[listID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// JoinRoom subscribes to a list's changes, or queues the join until the next
// successful connect.
func (c *Conn) JoinRoom(listID string) error {
	c.mu.Lock()
	if c.state != Connected || c.ws == nil {
		c.requeueLocked([]pendingJoin{{listID: listID, actorID: c.actorID}})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.sendJoin(listID)
}

func (c *Conn) LeaveRoom(listID string) error {
	c.mu.Lock()
	delete(c.joined, listID)
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.listID != listID {
			kept = append(kept, p)
		}
	}
	c.pending = kept
	ws := c.ws
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || ws == nil {
		return nil
	}
	return c.write(ws, protocol.Leave(listID))
}

// Disconnect closes the connection without reconnecting and forgets queued
// joins, joined rooms and the attempt counter.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.local = true
	c.stopTimerLocked()
	c.pending = nil
	c.joined = make(map[string]struct{})
	c.attempts = 0
	c.delay.Reset()
	ws := c.ws
	c.ws = nil
	c.gen++
	notify := c.setStateLocked(Disconnected)
	c.mu.Unlock()
	notify()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
}

func (c *Conn) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.dropped(gen, err)
			return
		}
		m, err := protocol.Decode(raw)
		if err != nil {
			c.log.Warn("ignoring invalid frame", "err", err)
			continue
		}
		switch m.Type {
		case protocol.TypeHello:
			c.mu.Lock()
			c.connID = m.ConnID
			c.mu.Unlock()
		case protocol.TypeChange:
			if c.hooks.OnChange != nil {
				c.hooks.OnChange(*m.Change)
			}
		case protocol.TypeError:
			c.log.Warn("server reported an error", "message", m.Message)
		}
	}
}

// dropped handles the end of a read loop or a failed join flush. Drops of an
// older generation or after a local Disconnect are ignored; anything else
// retires the generation, schedules a reconnect and re-queues the joined
// rooms.
func (c *Conn) dropped(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || c.local {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	for listID := range c.joined {
		c.requeueLocked([]pendingJoin{{listID: listID, actorID: c.actorID}})
	}
	c.joined = make(map[string]struct{})
	notify := c.setStateLocked(Reconnecting)
	c.scheduleLocked()
	c.mu.Unlock()
	notify()
	c.log.Warn("realtime connection dropped", "err", err)
}

func (c *Conn) scheduleLocked() {
	d := c.delay.NextBackOff()
	if d == backoff.Stop {
		d = DefaultReconnectDelay
	}
	c.stopTimerLocked()
	c.timer = time.AfterFunc(d, c.reconnect)
}

func (c *Conn) reconnect() {
	err := c.Connect(context.Background())
	if err == nil {
		return
	}
	if errors.Is(err, ErrGaveUp) {
		c.log.Error("giving up reconnecting", "err", err)
		if c.hooks.OnGiveUp != nil {
			c.hooks.OnGiveUp(err)
		}
	}
}
