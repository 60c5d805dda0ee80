package server

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
)

func routeOf(request *http.Request) string {
	if route := mux.CurrentRoute(request); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (s *Server) logRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		route := routeOf(request)
		s.metrics.RequestDuration.
			WithLabelValues(route, request.Method, strconv.Itoa(m.Code)).
			Observe(m.Duration.Seconds())
		s.log.Info("handled", "method", request.Method, "url", request.URL, "route", route, "duration", m.Duration, "status", m.Code)
	})
}
