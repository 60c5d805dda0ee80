package shoplist

import (
	"fmt"
)

// ChangeType names the kind of mutation carried by a Change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
	ChangeLocked   ChangeType = "locked"
	ChangeUnlocked ChangeType = "unlocked"
)

func (t ChangeType) Valid() bool {
	switch t {
	case ChangeAdded, ChangeUpdated, ChangeDeleted, ChangeLocked, ChangeUnlocked:
		return true
	}
	return false
}

// Notifies reports whether group members get a push notification for t.
// Deletions are relayed live but never notified.
func (t ChangeType) Notifies() bool {
	switch t {
	case ChangeAdded, ChangeUpdated, ChangeLocked, ChangeUnlocked:
		return true
	}
	return false
}

// Change is one committed mutation as relayed to the other members of a
// list's room.
type Change struct {
	Type      ChangeType `json:"type"`
	Item      Item       `json:"item"`
	ActorID   ActorID    `json:"actorId"`
	ActorName string     `json:"actorName"`
	ListID    string     `json:"listId"`
}

func (c Change) Validate() error {
	if !c.Type.Valid() {
		return invalidf("unknown change type %q", c.Type)
	}
	if c.Item.ID == "" {
		return invalidf("change has no item id")
	}
	if c.ListID == "" {
		return invalidf("change has no list id")
	}
	return nil
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s/%s by %s", c.Type, c.ListID, c.Item.ID, c.ActorID)
}
