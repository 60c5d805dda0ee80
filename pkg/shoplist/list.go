package shoplist

import (
	"time"
)

const DefaultIcon = "🏪"

// List is a shop list. It is the sole container of its items and is read and
// written as one document by every store.
type List struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon"`
	GroupID   string    `json:"groupId"`
	CreatedAt time.Time `json:"createdAt"`
	Items     []Item    `json:"items"`
}

// Ref is the part of a list needed to scope broadcasts and notifications.
type Ref struct {
	ID      string
	Name    string
	GroupID string
}

func (l List) Ref() Ref {
	return Ref{ID: l.ID, Name: l.Name, GroupID: l.GroupID}
}

// Item returns a pointer into l.Items, or nil when no item has the id.
func (l *List) Item(id string) *Item {
	for i := range l.Items {
		if l.Items[i].ID == id {
			return &l.Items[i]
		}
	}
	return nil
}

// Remove deletes the item with the given id, preserving the order of the rest.
func (l *List) Remove(id string) (Item, bool) {
	for i, it := range l.Items {
		if it.ID == id {
			l.Items = append(l.Items[:i], l.Items[i+1:]...)
			return it, true
		}
	}
	return Item{}, false
}

func (l List) Clone() List {
	items := make([]Item, len(l.Items))
	for i, it := range l.Items {
		items[i] = it.Clone()
	}
	l.Items = items
	return l
}

// NewListRequest carries the fields a client sets when creating a list.
type NewListRequest struct {
	Name    string `json:"name"`
	Icon    string `json:"icon,omitempty"`
	GroupID string `json:"groupId"`
}

func (r NewListRequest) Validate() error {
	if r.Name == "" {
		return invalidf("name must not be empty")
	}
	return nil
}

// ListPatch renames a list or changes its icon.
type ListPatch struct {
	Name *string `json:"name,omitempty"`
	Icon *string `json:"icon,omitempty"`
}

func (p ListPatch) Apply(l *List) {
	if p.Name != nil && *p.Name != "" {
		l.Name = *p.Name
	}
	if p.Icon != nil && *p.Icon != "" {
		l.Icon = *p.Icon
	}
}
