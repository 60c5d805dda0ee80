package server

import (
	"net/http"
	"strings"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorName = "X-Actor-Name"
)

// Identity resolves the authenticated actor of a request.
type Identity interface {
	CurrentActor(r *http.Request) (shoplist.Actor, error)
}

// HeaderIdentity trusts the X-Actor-Id and X-Actor-Name headers, falling back
// to actorId and actorName query parameters for websocket handshakes. It is
// meant to sit behind an authenticating proxy.
type HeaderIdentity struct{}

func (HeaderIdentity) CurrentActor(r *http.Request) (shoplist.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	name := strings.TrimSpace(r.Header.Get(HeaderActorName))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("actorId"))
		name = strings.TrimSpace(r.URL.Query().Get("actorName"))
	}
	if id == "" {
		return shoplist.Actor{}, shoplist.ErrUnauthenticated
	}
	if name == "" {
		name = id
	}
	return shoplist.Actor{ID: shoplist.ActorID(id), Name: name}, nil
}
