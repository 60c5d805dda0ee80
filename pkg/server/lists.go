package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/astromechza/shoplist-sync/pkg/shoplist"
)

// detached keeps a store write running when the client goes away mid
// request, so a committed change is never half-applied.
func detached(request *http.Request) context.Context {
	return context.WithoutCancel(request.Context())
}

func (s *Server) actor(writer http.ResponseWriter, request *http.Request) (shoplist.Actor, bool) {
	actor, err := s.identity.CurrentActor(request)
	if err != nil {
		s.writeError(writer, request, err)
		return shoplist.Actor{}, false
	}
	return actor, true
}

func (s *Server) createList(writer http.ResponseWriter, request *http.Request) {
	if _, ok := s.actor(writer, request); !ok {
		return
	}
	var req shoplist.NewListRequest
	if err := readJSON(request, &req); err != nil {
		s.writeError(writer, request, err)
		return
	} else if err := req.Validate(); err != nil {
		s.writeError(writer, request, err)
		return
	}
	list := shoplist.List{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Icon:      req.Icon,
		GroupID:   req.GroupID,
		CreatedAt: s.now().UTC(),
		Items:     []shoplist.Item{},
	}
	if list.Icon == "" {
		list.Icon = shoplist.DefaultIcon
	}
	created, err := s.store.CreateList(detached(request), list)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.log.Info("created list", "list", created.ID, "group", created.GroupID)
	writeJSON(writer, http.StatusCreated, created)
}

func (s *Server) listsByGroup(writer http.ResponseWriter, request *http.Request) {
	if _, ok := s.actor(writer, request); !ok {
		return
	}
	groupID := request.URL.Query().Get("groupId")
	if groupID == "" {
		s.writeError(writer, request, invalid("groupId query parameter is required"))
		return
	}
	lists, err := s.store.ListsByGroup(request.Context(), groupID)
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	for i := range lists {
		lists[i].Items = s.locks.Visible(lists[i].Items)
	}
	writeJSON(writer, http.StatusOK, lists)
}

func (s *Server) getList(writer http.ResponseWriter, request *http.Request) {
	if _, ok := s.actor(writer, request); !ok {
		return
	}
	list, err := s.store.GetList(request.Context(), mux.Vars(request)["list"])
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	list.Items = s.locks.Visible(list.Items)
	writeJSON(writer, http.StatusOK, list)
}

func (s *Server) patchList(writer http.ResponseWriter, request *http.Request) {
	if _, ok := s.actor(writer, request); !ok {
		return
	}
	var patch shoplist.ListPatch
	if err := readJSON(request, &patch); err != nil {
		s.writeError(writer, request, err)
		return
	}
	list, err := s.store.UpdateList(detached(request), mux.Vars(request)["list"], func(l *shoplist.List) error {
		patch.Apply(l)
		return nil
	})
	if err != nil {
		s.writeError(writer, request, err)
		return
	}
	list.Items = s.locks.Visible(list.Items)
	writeJSON(writer, http.StatusOK, list)
}

func (s *Server) deleteList(writer http.ResponseWriter, request *http.Request) {
	if _, ok := s.actor(writer, request); !ok {
		return
	}
	listID := mux.Vars(request)["list"]
	if err := s.store.DeleteList(detached(request), listID); err != nil {
		s.writeError(writer, request, err)
		return
	}
	s.log.Info("deleted list", "list", listID)
	writer.WriteHeader(http.StatusNoContent)
}
