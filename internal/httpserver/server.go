// Package httpserver carries the bridge's HTTP surface: the gorilla router,
// the session endpoints, and the logging/metrics middleware around them.
package httpserver

import "github.com/gorilla/mux"

// Server owns the router; main hangs middleware, the bridge API, and the
// probe endpoints off it.
type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}
