// Package notify delivers push notifications about list changes to the other
// members of a list's group.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

const DefaultTitle = "Shop list"

// ErrGone is returned by a Sender when the recipient's subscription no
// longer exists.
var ErrGone = errors.New("subscription gone")

type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Membership resolves the actors belonging to a group.
type Membership interface {
	MembersOf(ctx context.Context, groupID string) ([]shoplist.ActorID, error)
}

type Sender interface {
	Notify(ctx context.Context, actorID shoplist.ActorID, msg Message) error
}

// Static is a Membership read from configuration.
type Static map[string][]shoplist.ActorID

func (s Static) MembersOf(_ context.Context, groupID string) ([]shoplist.ActorID, error) {
	return s[groupID], nil
}

// StaticFromConfig converts a group -> actor id string map.
func StaticFromConfig(groups map[string][]string) Static {
	out := make(Static, len(groups))
	for g, members := range groups {
		ids := make([]shoplist.ActorID, 0, len(members))
		for _, m := range members {
			ids = append(ids, shoplist.ActorID(m))
		}
		out[g] = ids
	}
	return out
}

// LogSender only logs notifications. It is the default when no webhook is
// configured.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Notify(_ context.Context, actorID shoplist.ActorID, msg Message) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification", "actor", actorID, "title", msg.Title, "body", msg.Body)
	return nil
}

// WebhookSender POSTs {actorId, title, body} to URL.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

type webhookPayload struct {
	ActorID shoplist.ActorID `json:"actorId"`
	Title   string           `json:"title"`
	Body    string           `json:"body"`
}

func (s WebhookSender) Notify(ctx context.Context, actorID shoplist.ActorID, msg Message) error {
	raw, err := json.Marshal(webhookPayload{ActorID: actorID, Title: msg.Title, Body: msg.Body})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: actor %s", ErrGone, actorID)
	case resp.StatusCode >= 300:
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Body renders the text shown for change c on list listName.
func Body(c shoplist.Change, listName string) (string, bool) {
	who := c.ActorName
	if who == "" {
		who = string(c.ActorID)
	}
	switch c.Type {
	case shoplist.ChangeAdded:
		return fmt.Sprintf("%s added %s to %s", who, c.Item.Name, listName), true
	case shoplist.ChangeUpdated:
		return fmt.Sprintf("%s updated %s in %s", who, c.Item.Name, listName), true
	case shoplist.ChangeLocked:
		return fmt.Sprintf("%s is editing %s in %s", who, c.Item.Name, listName), true
	case shoplist.ChangeUnlocked:
		return fmt.Sprintf("%s finished editing %s in %s", who, c.Item.Name, listName), true
	}
	return "", false
}

// ResultFunc observes the outcome of every send, e.g. for metrics.
type ResultFunc func(result string)

type Fanout struct {
	membership Membership
	sender     Sender
	workers    int
	timeout    time.Duration
	observe    ResultFunc
	log        *slog.Logger
}

type Option func(*Fanout)

func WithWorkers(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.workers = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithObserver(fn ResultFunc) Option {
	return func(f *Fanout) {
		f.observe = fn
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(f *Fanout) {
		f.log = log
	}
}

func NewFanout(m Membership, s Sender, opts ...Option) *Fanout {
	f := &Fanout{
		membership: m,
		sender:     s,
		workers:    4,
		timeout:    5 * time.Second,
		observe:    func(string) {},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Notify sends the message for c to every member of the list's group except
// the actor and blocks until all sends finished. Failures are logged and
// never returned.
func (f *Fanout) Notify(ctx context.Context, ref shoplist.Ref, c shoplist.Change) {
	body, ok := Body(c, ref.Name)
	if !ok || ref.GroupID == "" {
		return
	}
	members, err := f.membership.MembersOf(ctx, ref.GroupID)
	if err != nil {
		f.log.Error("failed to resolve group members", "group", ref.GroupID, "err", err)
		f.observe("error")
		return
	}
	msg := Message{Title: DefaultTitle, Body: body}

	p := pool.New().WithMaxGoroutines(f.workers)
	for _, member := range members {
		if member == c.ActorID {
			continue
		}
		p.Go(func() {
			sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			if err := f.sender.Notify(sendCtx, member, msg); errors.Is(err, ErrGone) {
				f.log.Warn("notification subscription gone", "actor", member)
				f.observe("gone")
			} else if err != nil {
				f.log.Error("failed to send notification", "actor", member, "err", err)
				f.observe("error")
			} else {
				f.observe("sent")
			}
		})
	}
	p.Wait()
}
