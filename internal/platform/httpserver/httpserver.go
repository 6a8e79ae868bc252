// Package httpserver builds the process's HTTP listeners. The application
// server and the metrics server share the same timeout posture.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server with timeouts suited to short request/response
// cycles; nothing in this service streams, so slow writers are cut off.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
