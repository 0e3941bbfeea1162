package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

func newCORS(allowedOrigins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
}

// newUpgrader applies the CORS origin policy to websocket handshakes.
// Clients that send no Origin header, such as native apps, are accepted.
func newUpgrader(policy *cors.Cors) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if r.Header.Get("Origin") == "" {
				return true
			}
			return policy.OriginAllowed(r)
		},
	}
}

func NewRouter(c *Controller) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", c.HandleWS).Methods(http.MethodGet)
	r.HandleFunc("/ws/{room_id}", c.HandleWS).Methods(http.MethodGet)

	chat := r.PathPrefix("/v1/chat").Subrouter()
	chat.HandleFunc("/uuid", c.HandleNewRoom).Methods(http.MethodGet)
	chat.HandleFunc("/{room_id}/members", c.HandleMembers).Methods(http.MethodGet)
	chat.HandleFunc("/{room_id}/connections", c.HandleConnections).Methods(http.MethodGet)

	r.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(c.HandleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(c.HandleMethodNotAllowed)
	return r
}

// NewHandler wraps the router with the CORS policy.
func NewHandler(c *Controller, policy *cors.Cors) http.Handler {
	return policy.Handler(NewRouter(c))
}
