package shoplist

import (
	"time"
)

const (
	DefaultQuantity = 1
	DefaultUnit     = "ks"
)

// ActorID identifies a user across all of their devices and connections.
type ActorID string

// Actor is the identity attached to every mutation.
type Actor struct {
	ID   ActorID `json:"id"`
	Name string  `json:"name"`
}

// Item is a single line of a shop list. The lock fields are embedded rather
// than stored separately; LockedBy is set if and only if LockedAt is set.
type Item struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Quantity     float64    `json:"quantity"`
	Unit         string     `json:"unit"`
	Completed    bool       `json:"completed"`
	Order        float64    `json:"order"`
	AddedBy      ActorID    `json:"addedBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LockedBy     ActorID    `json:"lockedBy,omitempty"`
	LockedAt     *time.Time `json:"lockedAt,omitempty"`
	LockedByName string     `json:"lockedByName,omitempty"`
}

func (i Item) Locked() bool {
	return i.LockedBy != ""
}

func (i *Item) SetLock(actor Actor, at time.Time) {
	at = at.UTC()
	i.LockedBy = actor.ID
	i.LockedAt = &at
	i.LockedByName = actor.Name
}

func (i *Item) ClearLock() {
	i.LockedBy = ""
	i.LockedAt = nil
	i.LockedByName = ""
}

// CopyLock overwrites only the lock fields of i with those of other.
func (i *Item) CopyLock(other Item) {
	if !other.Locked() || other.LockedAt == nil {
		i.ClearLock()
		return
	}
	at := *other.LockedAt
	i.LockedBy = other.LockedBy
	i.LockedAt = &at
	i.LockedByName = other.LockedByName
}

// CopyFields overwrites the editable fields of i with those of other.
func (i *Item) CopyFields(other Item) {
	i.Name = other.Name
	i.Quantity = other.Quantity
	i.Unit = other.Unit
	i.Completed = other.Completed
	i.Order = other.Order
}

// Clone returns a copy that shares no pointers with i.
func (i Item) Clone() Item {
	if i.LockedAt != nil {
		at := *i.LockedAt
		i.LockedAt = &at
	}
	return i
}

// ItemPatch is a partial update. Nil fields are left untouched.
type ItemPatch struct {
	Name      *string  `json:"name,omitempty"`
	Quantity  *float64 `json:"quantity,omitempty"`
	Unit      *string  `json:"unit,omitempty"`
	Completed *bool    `json:"completed,omitempty"`
	Order     *float64 `json:"order,omitempty"`
}

func (p ItemPatch) Empty() bool {
	return p.Name == nil && p.Quantity == nil && p.Unit == nil && p.Completed == nil && p.Order == nil
}

func (p ItemPatch) ChangesOrder() bool {
	return p.Order != nil
}

// DragsCompleted reports whether p reorders item while it stays completed.
// Completed items are never drag targets, so such a patch is rejected.
func (p ItemPatch) DragsCompleted(item Item) bool {
	return p.ChangesOrder() && item.Completed && (p.Completed == nil || *p.Completed)
}

func (p ItemPatch) Validate() error {
	if p.Name != nil && *p.Name == "" {
		return invalidf("name must not be empty")
	}
	if p.Quantity != nil && *p.Quantity <= 0 {
		return invalidf("quantity must be > 0 (got %v)", *p.Quantity)
	}
	return nil
}

// Apply writes the non-nil fields of p onto item.
func (p ItemPatch) Apply(item *Item) {
	if p.Name != nil {
		item.Name = *p.Name
	}
	if p.Quantity != nil {
		item.Quantity = *p.Quantity
	}
	if p.Unit != nil {
		item.Unit = *p.Unit
	}
	if p.Completed != nil {
		item.Completed = *p.Completed
	}
	if p.Order != nil {
		item.Order = *p.Order
	}
}

// NewItemRequest carries the fields a client may set when adding an item.
type NewItemRequest struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty"`
}

func (r NewItemRequest) Validate() error {
	if r.Name == "" {
		return invalidf("name must not be empty")
	}
	if r.Quantity < 0 {
		return invalidf("quantity must be >= 0 (got %v)", r.Quantity)
	}
	return nil
}

// Item builds an item with defaults filled in. The caller assigns the id and
// order.
func (r NewItemRequest) Item(addedBy ActorID, now time.Time) Item {
	item := Item{
		Name:      r.Name,
		Quantity:  r.Quantity,
		Unit:      r.Unit,
		AddedBy:   addedBy,
		CreatedAt: now.UTC(),
	}
	if item.Quantity == 0 {
		item.Quantity = DefaultQuantity
	}
	if item.Unit == "" {
		item.Unit = DefaultUnit
	}
	return item
}
