// Package protocol defines the JSON text frames exchanged over the realtime
// websocket channel.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

type MessageType string

const (
	// client -> server
	TypeJoin  MessageType = "join"
	TypeLeave MessageType = "leave"
	TypePing  MessageType = "ping"

	// server -> client
	TypeHello    MessageType = "hello"
	TypeJoined   MessageType = "joined"
	TypePresence MessageType = "presence"
	TypeChange   MessageType = "change"
	TypeError    MessageType = "error"
	TypePong     MessageType = "pong"
)

// Member is one actor present in a room. An actor with several connections
// appears once.
type Member struct {
	ActorID   shoplist.ActorID `json:"actorId"`
	ActorName string           `json:"actorName,omitempty"`
}

// Message is the envelope of every frame. Only the fields relevant to Type
// are set.
type Message struct {
	Type    MessageType      `json:"type"`
	ListID  string           `json:"listId,omitempty"`
	ActorID shoplist.ActorID `json:"actorId,omitempty"`
	ConnID  string           `json:"connId,omitempty"`
	Members []Member         `json:"members,omitempty"`
	Change  *shoplist.Change `json:"change,omitempty"`
	Message string           `json:"message,omitempty"`
}

func Join(listID string) Message  { return Message{Type: TypeJoin, ListID: listID} }
func Leave(listID string) Message { return Message{Type: TypeLeave, ListID: listID} }
func Ping() Message               { return Message{Type: TypePing} }
func Pong() Message               { return Message{Type: TypePong} }

func Hello(actorID shoplist.ActorID, connID string) Message {
	return Message{Type: TypeHello, ActorID: actorID, ConnID: connID}
}

func Joined(listID string, members []Member) Message {
	return Message{Type: TypeJoined, ListID: listID, Members: members}
}

func Presence(listID string, members []Member) Message {
	return Message{Type: TypePresence, ListID: listID, Members: members}
}

func ChangeMessage(c shoplist.Change) Message {
	return Message{Type: TypeChange, ListID: c.ListID, Change: &c}
}

func Error(err error) Message {
	return Message{Type: TypeError, Message: err.Error()}
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeJoin, TypeLeave, TypeJoined, TypePresence:
		if m.ListID == "" {
			return fmt.Errorf("%w: %s message requires a listId", shoplist.ErrInvalid, m.Type)
		}
	case TypeChange:
		if m.Change == nil {
			return fmt.Errorf("%w: change message has no change", shoplist.ErrInvalid)
		}
		return m.Change.Validate()
	case TypeHello:
		if m.ActorID == "" || m.ConnID == "" {
			return fmt.Errorf("%w: hello message requires actorId and connId", shoplist.ErrInvalid)
		}
	case TypePing, TypePong, TypeError:
	default:
		return fmt.Errorf("%w: unknown message type %q", shoplist.ErrInvalid, m.Type)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return raw, nil
}

func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: failed to decode message: %v", shoplist.ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
