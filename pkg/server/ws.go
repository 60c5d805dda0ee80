package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/astromechza/shoplist-sync/pkg/protocol"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// conn is one realtime connection. Frames are queued on send and written by
// the connection's own writer goroutine.
type conn struct {
	id     string
	actor  shoplist.Actor
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *conn) ConnID() string        { return c.id }
func (c *conn) Actor() shoplist.Actor { return c.actor }

func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.closed) })
}

func (c *conn) sendMessage(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if !c.Send(frame) {
		return fmt.Errorf("send buffer of %s is full", c.id)
	}
	return nil
}

func (s *Server) serveWebsocket(writer http.ResponseWriter, request *http.Request) {
	actor, ok := s.actor(writer, request)
	if !ok {
		return
	}
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "err", err)
		return
	}
	defer ws.Close()

	c := &conn{
		id:     xid.New().String(),
		actor:  actor,
		ws:     ws,
		send:   make(chan []byte, s.sendBuffer),
		closed: make(chan struct{}),
	}
	s.track(c)
	defer s.untrack(c)

	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()
	log := s.log.With("conn", c.id, "actor", actor.ID)
	log.Info("realtime connection opened")

	if err := c.sendMessage(protocol.Hello(actor.ID, c.id)); err != nil {
		log.Error("failed to greet", "err", err)
		return
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.close()
		if err := s.readLoop(c); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			select {
			case <-c.closed:
			default:
				log.Warn("realtime read stopped", "err", err)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ws.Close()
		if err := s.writeLoop(c); err != nil {
			log.Warn("realtime write stopped", "err", err)
		}
	}()

	wg.Wait()

	for _, listID := range s.broadcaster.Registry().RemoveConn(c.id) {
		s.broadcaster.Presence(listID)
	}
	log.Info("realtime connection closed")
}

func (s *Server) readLoop(c *conn) error {
	pongWait := 2 * s.pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(p)
		if err != nil {
			_ = c.sendMessage(protocol.Error(err))
			continue
		}
		if err := s.handleMessage(c, msg); err != nil {
			_ = c.sendMessage(protocol.Error(err))
		}
	}
}

func (s *Server) handleMessage(c *conn, msg protocol.Message) error {
	registry := s.broadcaster.Registry()
	switch msg.Type {
	case protocol.TypeJoin:
		if _, err := s.store.GetList(context.Background(), msg.ListID); err != nil {
			return err
		}
		if registry.Join(msg.ListID, c) {
			s.log.Debug("joined room", "conn", c.id, "list", msg.ListID)
		}
		if err := c.sendMessage(protocol.Joined(msg.ListID, registry.Members(msg.ListID))); err != nil {
			return err
		}
		s.broadcaster.Presence(msg.ListID)
	case protocol.TypeLeave:
		if registry.Leave(msg.ListID, c.id) {
			s.broadcaster.Presence(msg.ListID)
		}
	case protocol.TypePing:
		return c.sendMessage(protocol.Pong())
	default:
		return fmt.Errorf("%w: %s is not a client message", shoplist.ErrInvalid, msg.Type)
	}
	return nil
}

func (s *Server) writeLoop(c *conn) error {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		case <-c.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
			return nil
		}
	}
}

func (s *Server) track(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) untrack(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c.id)
}

// CloseConnections asks every realtime connection to close. http.Server
// Shutdown does not track hijacked connections, so callers invoke this
// alongside it.
func (s *Server) CloseConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, c := range s.conns {
		c.close()
	}
}
