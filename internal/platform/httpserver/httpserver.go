package httpserver

import (
	"net/http"
	"time"
)

// New builds the engine's HTTP server. Booth clients sit on slow field
// links, so read and write timeouts stay generous; the per-route Timeout
// middleware bounds handler time.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
