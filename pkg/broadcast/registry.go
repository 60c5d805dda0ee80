package broadcast

import (
	"sort"
	"sync"

	"github.com/astromechza/shoplist-sync/pkg/protocol"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// Subscriber is one realtime connection. Send must not block: it queues the
// frame and reports false when the frame was dropped.
type Subscriber interface {
	ConnID() string
	Actor() shoplist.Actor
	Send(frame []byte) bool
}

// Registry maps list rooms to their subscribed connections.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]Subscriber // listID -> connID -> subscriber
	connRooms map[string]map[string]struct{}   // connID -> listIDs
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[string]map[string]Subscriber),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// Join adds sub to the room of listID and reports whether it was new.
func (r *Registry) Join(listID string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.rooms[listID]
	if !ok {
		subs = make(map[string]Subscriber)
		r.rooms[listID] = subs
	}
	if _, ok := subs[sub.ConnID()]; ok {
		return false
	}
	subs[sub.ConnID()] = sub

	joined, ok := r.connRooms[sub.ConnID()]
	if !ok {
		joined = make(map[string]struct{})
		r.connRooms[sub.ConnID()] = joined
	}
	joined[listID] = struct{}{}
	return true
}

// Leave removes the connection from one room and reports whether it was a
// member.
func (r *Registry) Leave(listID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(listID, connID)
}

func (r *Registry) leaveLocked(listID, connID string) bool {
	subs, ok := r.rooms[listID]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.rooms, listID)
	}
	if joined, ok := r.connRooms[connID]; ok {
		delete(joined, listID)
		if len(joined) == 0 {
			delete(r.connRooms, connID)
		}
	}
	return true
}

// RemoveConn drops the connection from every room and returns the rooms it
// was in, sorted.
func (r *Registry) RemoveConn(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := make([]string, 0, len(r.connRooms[connID]))
	for listID := range r.connRooms[connID] {
		left = append(left, listID)
	}
	for _, listID := range left {
		r.leaveLocked(listID, connID)
	}
	sort.Strings(left)
	return left
}

// Rooms returns the rooms the connection has joined, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connRooms[connID]))
	for listID := range r.connRooms[connID] {
		out = append(out, listID)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns a snapshot of the room.
func (r *Registry) Subscribers(listID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.rooms[listID]))
	for _, s := range r.rooms[listID] {
		out = append(out, s)
	}
	return out
}

// Members lists the distinct actors present in the room, sorted by id.
func (r *Registry) Members(listID string) []protocol.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[shoplist.ActorID]struct{})
	out := make([]protocol.Member, 0, len(r.rooms[listID]))
	for _, s := range r.rooms[listID] {
		a := s.Actor()
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, protocol.Member{ActorID: a.ID, ActorName: a.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}
