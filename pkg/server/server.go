// Package server exposes the shop list HTTP API and the realtime websocket
// channel. Every mutating handler commits through the lock manager first and
// broadcasts afterwards, so a change is only relayed once it is durable.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/shoplist-sync/pkg/broadcast"
	"github.com/astromechza/shoplist-sync/pkg/lock"
	"github.com/astromechza/shoplist-sync/pkg/metrics"
	"github.com/astromechza/shoplist-sync/pkg/store"
)

type Server struct {
	store       store.Store
	locks       *lock.Manager
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Metrics
	identity    Identity
	log         *slog.Logger
	now         func() time.Time

	upgrader     websocket.Upgrader
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
	serveMetrics bool

	connsMu sync.Mutex
	conns   map[string]*conn
}

type Option func(*Server)

func WithIdentity(i Identity) Option {
	return func(s *Server) {
		s.identity = i
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func WithMetrics(m *metrics.Metrics, serve bool) Option {
	return func(s *Server) {
		s.metrics = m
		s.serveMetrics = serve
	}
}

// WithWebsocket sets the per-connection send buffer, the write deadline and
// the keepalive ping interval.
func WithWebsocket(sendBuffer int, writeTimeout, pingInterval time.Duration) Option {
	return func(s *Server) {
		if sendBuffer > 0 {
			s.sendBuffer = sendBuffer
		}
		if writeTimeout > 0 {
			s.writeTimeout = writeTimeout
		}
		if pingInterval > 0 {
			s.pingInterval = pingInterval
		}
	}
}

func New(st store.Store, locks *lock.Manager, b *broadcast.Broadcaster, opts ...Option) *Server {
	s := &Server{
		store:       st,
		locks:       locks,
		broadcaster: b,
		identity:    HeaderIdentity{},
		log:         slog.Default(),
		now:         time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are native apps and the CLI; there is no browser origin
			// to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBuffer:   64,
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
		conns:        make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	if s.serveMetrics {
		r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.Handler())
	}
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.serveWebsocket)

	api := r.PathPrefix("/api").Subrouter()
	api.Methods(http.MethodPost).Path("/lists").HandlerFunc(s.createList)
	api.Methods(http.MethodGet).Path("/lists").HandlerFunc(s.listsByGroup)
	api.Methods(http.MethodGet).Path("/lists/{list}").HandlerFunc(s.getList)
	api.Methods(http.MethodPatch).Path("/lists/{list}").HandlerFunc(s.patchList)
	api.Methods(http.MethodDelete).Path("/lists/{list}").HandlerFunc(s.deleteList)

	api.Methods(http.MethodGet).Path("/lists/{list}/items").HandlerFunc(s.getItems)
	api.Methods(http.MethodPost).Path("/lists/{list}/items").HandlerFunc(s.createItem)
	api.Methods(http.MethodPatch).Path("/lists/{list}/items/{item}").HandlerFunc(s.patchItem)
	api.Methods(http.MethodDelete).Path("/lists/{list}/items/{item}").HandlerFunc(s.deleteItem)
	api.Methods(http.MethodPost).Path("/lists/{list}/items/{item}/lock").HandlerFunc(s.lockItem)
	api.Methods(http.MethodPost).Path("/lists/{list}/items/{item}/unlock").HandlerFunc(s.unlockItem)
	api.Methods(http.MethodPost).Path("/lists/{list}/items/{item}/move").HandlerFunc(s.moveItem)
	return r
}

func (s *Server) healthz(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}
