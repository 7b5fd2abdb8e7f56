package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with sane defaults for this project. No write
// timeout: sync connections are long-lived and manage their own deadlines.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
