// Package client talks to the sync server: a typed HTTP API, a realtime
// connection that survives drops, and a reconciler that keeps an optimistic
// local copy of a list consistent with the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/astromechza/shoplist-sync/pkg/order"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// Server is the part of the HTTP API the reconciler needs.
type Server interface {
	Items(ctx context.Context, listID string, mode order.SortMode) ([]shoplist.Item, error)
	AddItem(ctx context.Context, listID string, req shoplist.NewItemRequest) (shoplist.Item, error)
	UpdateItem(ctx context.Context, listID, itemID string, patch shoplist.ItemPatch) (shoplist.Item, error)
	DeleteItem(ctx context.Context, listID, itemID string) error
	LockItem(ctx context.Context, listID, itemID string) (shoplist.Item, error)
	UnlockItem(ctx context.Context, listID, itemID string) (shoplist.Item, error)
	MoveItem(ctx context.Context, listID, itemID string, toIndex int) (shoplist.Item, error)
}

type API struct {
	base  *url.URL
	actor shoplist.Actor
	http  *http.Client
}

var _ Server = (*API)(nil)

func NewAPI(baseURL string, actor shoplist.Actor, hc *http.Client) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &API{base: u, actor: actor, http: hc}, nil
}

func (a *API) Actor() shoplist.Actor {
	return a.actor
}

// WebsocketURL is the realtime endpoint with the actor carried as query
// parameters.
func (a *API) WebsocketURL() string {
	u := a.base.JoinPath("ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("actorId", string(a.actor.ID))
	q.Set("actorName", a.actor.Name)
	u.RawQuery = q.Encode()
	return u.String()
}

type errorBody struct {
	Message    string           `json:"message"`
	LockedBy   string           `json:"lockedBy"`
	LockedByID shoplist.ActorID `json:"lockedById"`
}

// statusError maps a non-2xx response back onto the shoplist sentinels.
func statusError(code int, body errorBody) error {
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch {
	case code == http.StatusLocked:
		return &shoplist.LockConflictError{HeldBy: body.LockedByID, HeldByName: body.LockedBy}
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", shoplist.ErrNotFound, msg)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", shoplist.ErrForbidden, msg)
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", shoplist.ErrUnauthenticated, msg)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", shoplist.ErrInvalid, msg)
	case code >= 500:
		return fmt.Errorf("%w: server returned %d: %s", shoplist.ErrTransport, code, msg)
	default:
		return fmt.Errorf("unexpected status code %d: %s", code, msg)
	}
}

func (a *API) do(ctx context.Context, method string, path []string, query url.Values, in, out any) error {
	u := a.base.JoinPath(path...)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor-Id", string(a.actor.ID))
	req.Header.Set("X-Actor-Name", a.actor.Name)

	resp, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", shoplist.ErrTransport, method, u.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&eb)
		return statusError(resp.StatusCode, eb)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", shoplist.ErrTransport, err)
	}
	return nil
}

func (a *API) CreateList(ctx context.Context, req shoplist.NewListRequest) (shoplist.List, error) {
	var out shoplist.List
	err := a.do(ctx, http.MethodPost, []string{"api", "lists"}, nil, req, &out)
	return out, err
}

func (a *API) ListsByGroup(ctx context.Context, groupID string) ([]shoplist.List, error) {
	var out []shoplist.List
	err := a.do(ctx, http.MethodGet, []string{"api", "lists"}, url.Values{"groupId": {groupID}}, nil, &out)
	return out, err
}

func (a *API) GetList(ctx context.Context, listID string) (shoplist.List, error) {
	var out shoplist.List
	err := a.do(ctx, http.MethodGet, []string{"api", "lists", listID}, nil, nil, &out)
	return out, err
}

func (a *API) UpdateList(ctx context.Context, listID string, patch shoplist.ListPatch) (shoplist.List, error) {
	var out shoplist.List
	err := a.do(ctx, http.MethodPatch, []string{"api", "lists", listID}, nil, patch, &out)
	return out, err
}

func (a *API) DeleteList(ctx context.Context, listID string) error {
	return a.do(ctx, http.MethodDelete, []string{"api", "lists", listID}, nil, nil, nil)
}

func (a *API) Items(ctx context.Context, listID string, mode order.SortMode) ([]shoplist.Item, error) {
	var out []shoplist.Item
	var q url.Values
	if mode != "" {
		q = url.Values{"sort": {string(mode)}}
	}
	err := a.do(ctx, http.MethodGet, []string{"api", "lists", listID, "items"}, q, nil, &out)
	return out, err
}

func (a *API) AddItem(ctx context.Context, listID string, req shoplist.NewItemRequest) (shoplist.Item, error) {
	var out shoplist.Item
	err := a.do(ctx, http.MethodPost, []string{"api", "lists", listID, "items"}, nil, req, &out)
	return out, err
}

func (a *API) UpdateItem(ctx context.Context, listID, itemID string, patch shoplist.ItemPatch) (shoplist.Item, error) {
	var out shoplist.Item
	err := a.do(ctx, http.MethodPatch, []string{"api", "lists", listID, "items", itemID}, nil, patch, &out)
	return out, err
}

func (a *API) DeleteItem(ctx context.Context, listID, itemID string) error {
	return a.do(ctx, http.MethodDelete, []string{"api", "lists", listID, "items", itemID}, nil, nil, nil)
}

func (a *API) LockItem(ctx context.Context, listID, itemID string) (shoplist.Item, error) {
	var out shoplist.Item
	err := a.do(ctx, http.MethodPost, []string{"api", "lists", listID, "items", itemID, "lock"}, nil, nil, &out)
	return out, err
}

func (a *API) UnlockItem(ctx context.Context, listID, itemID string) (shoplist.Item, error) {
	var out shoplist.Item
	err := a.do(ctx, http.MethodPost, []string{"api", "lists", listID, "items", itemID, "unlock"}, nil, nil, &out)
	return out, err
}

func (a *API) MoveItem(ctx context.Context, listID, itemID string, toIndex int) (shoplist.Item, error) {
	var out shoplist.Item
	err := a.do(ctx, http.MethodPost, []string{"api", "lists", listID, "items", itemID, "move"}, nil, map[string]int{"toIndex": toIndex}, &out)
	return out, err
}
