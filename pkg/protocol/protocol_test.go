package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

func TestChangeFrameShape(t *testing.T) {
	raw, err := Encode(ChangeMessage(shoplist.Change{
		Type:      shoplist.ChangeAdded,
		Item:      shoplist.Item{ID: "I1", Name: "Milk", Quantity: 1, Unit: "ks"},
		ActorID:   "x",
		ActorName: "Xena",
		ListID:    "L",
	}))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"type":"change"`, `"listId":"L"`, `"actorId":"x"`, `"actorName":"Xena"`, `"type":"added"`, `"id":"I1"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("frame %s missing %s", raw, want)
		}
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Change == nil || got.Change.Item.Name != "Milk" || got.Change.ActorID != "x" {
		t.Fatalf("decoded %+v", got)
	}
}

func TestDecodeRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":       `{`,
		"unknown type":   `{"type":"shout"}`,
		"join no list":   `{"type":"join"}`,
		"change no body": `{"type":"change","listId":"L"}`,
		"bad change":     `{"type":"change","change":{"type":"exploded","item":{"id":"I"},"listId":"L"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(raw)); !errors.Is(err, shoplist.ErrInvalid) {
				t.Fatalf("got %v, want ErrInvalid", err)
			}
		})
	}
}

func TestDecodeClientFrames(t *testing.T) {
	m, err := Decode([]byte(`{"type":"join","listId":"L"}`))
	if err != nil || m.Type != TypeJoin || m.ListID != "L" {
		t.Fatalf("join: %+v %v", m, err)
	}
	if m, err := Decode([]byte(`{"type":"ping"}`)); err != nil || m.Type != TypePing {
		t.Fatalf("ping: %+v %v", m, err)
	}
}

func TestEncodeValidates(t *testing.T) {
	if _, err := Encode(Hello("", "c1")); err == nil {
		t.Fatal("hello without actor encoded")
	}
	if _, err := Encode(Presence("L", []Member{{ActorID: "x"}})); err != nil {
		t.Fatal(err)
	}
}
