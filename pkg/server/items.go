package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/astromechza/shoplist-sync/pkg/order"
	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// MoveRequest asks the server to place an item at an index of the custom
// ordered, uncompleted items.
type MoveRequest struct {
	ToIndex int `json:"toIndex"`
}

func (s *Server) emit(request *http.Request, ref shoplist.Ref, typ shoplist.ChangeType, actor shoplist.Actor, item shoplist.Item) {
	s.broadcaster.Broadcast(detached(request), ref, shoplist.Change{
		Type:      typ,
		Item:      item,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ListID:    ref.ID,
	})
}

// ref reads the list metadata used to scope a broadcast. It is read after
// the commit, so a rename racing the change may be reflected.
func (s *Server) ref(request *http.Request, listID string) shoplist.Ref {
	if l, err := s.store.GetList(detached(request), listID); err != nil {
		s.log.Warn("failed to load list for broadcast", "list", listID, "err", err)
		return shoplist.Ref{ID: listID}
	} else {
		return l.Ref()
	}
}

func (s *Server) getItems(writer http.ResponseWriter, request *http.Request) {
	if _, ok := s.actor(writer, request); !ok {
		return
	}
	mode, err := order.ParseSortMode(request.URL.Query().Get("sort"))
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	list, err := s.store.GetList(request.Context(), mux.Vars(request)["list"])
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	items := s.locks.Visible(list.Items)
	order.Sort(items, mode)
	writeJSON(writer, http.StatusOK, items)
}

func (s *Server) createItem(writer http.ResponseWriter, request *http.Request) {
	actor, ok := s.actor(writer, request)
	if !ok {
		return
	}
	var req shoplist.NewItemRequest
	if err := readJSON(request, &req); err != nil {
		s.writeError(writer, request, err)
		return
	} else if err := req.Validate(); err != nil {
		s.writeError(writer, request, err)
		return
	}

	var created shoplist.Item
	list, err := s.store.UpdateList(detached(request), mux.Vars(request)["list"], func(l *shoplist.List) error {
		created = req.Item(actor.ID, s.now())
		created.ID = uuid.NewString()
		created.Order = order.Append(l.Items)
		l.Items = append(l.Items, created)
		return nil
	})
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.emit(request, list.Ref(), shoplist.ChangeAdded, actor, created)
	writeJSON(writer, http.StatusCreated, created)
}

func (s *Server) patchItem(writer http.ResponseWriter, request *http.Request) {
	actor, ok := s.actor(writer, request)
	if !ok {
		return
	}
	var patch shoplist.ItemPatch
	if err := readJSON(request, &patch); err != nil {
		s.writeError(writer, request, err)
		return
	} else if patch.Empty() {
		s.writeError(writer, request, invalid("patch has no fields"))
		return
	}
	vars := mux.Vars(request)
	item, err := s.locks.ApplyEditClearingLock(detached(request), vars["list"], vars["item"], actor.ID, patch)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.emit(request, s.ref(request, vars["list"]), shoplist.ChangeUpdated, actor, item)
	writeJSON(writer, http.StatusOK, item)
}

func (s *Server) deleteItem(writer http.ResponseWriter, request *http.Request) {
	actor, ok := s.actor(writer, request)
	if !ok {
		return
	}
	vars := mux.Vars(request)
	removed, err := s.locks.Delete(detached(request), vars["list"], vars["item"], actor.ID)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.emit(request, s.ref(request, vars["list"]), shoplist.ChangeDeleted, actor, removed)
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) lockItem(writer http.ResponseWriter, request *http.Request) {
	actor, ok := s.actor(writer, request)
	if !ok {
		return
	}
	vars := mux.Vars(request)
	item, err := s.locks.TryAcquire(detached(request), vars["list"], vars["item"], actor)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.emit(request, s.ref(request, vars["list"]), shoplist.ChangeLocked, actor, item)
	writeJSON(writer, http.StatusOK, item)
}

func (s *Server) unlockItem(writer http.ResponseWriter, request *http.Request) {
	actor, ok := s.actor(writer, request)
	if !ok {
		return
	}
	vars := mux.Vars(request)
	item, err := s.locks.Release(detached(request), vars["list"], vars["item"], actor.ID)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.emit(request, s.ref(request, vars["list"]), shoplist.ChangeUnlocked, actor, item)
	writeJSON(writer, http.StatusOK, item)
}

func (s *Server) moveItem(writer http.ResponseWriter, request *http.Request) {
	actor, ok := s.actor(writer, request)
	if !ok {
		return
	}
	var req MoveRequest
	if err := readJSON(request, &req); err != nil {
		s.writeError(writer, request, err)
		return
	}
	vars := mux.Vars(request)
	item, err := s.locks.Move(detached(request), vars["list"], vars["item"], actor.ID, req.ToIndex)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.emit(request, s.ref(request, vars["list"]), shoplist.ChangeUpdated, actor, item)
	writeJSON(writer, http.StatusOK, item)
}
