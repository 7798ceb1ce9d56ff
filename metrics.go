//go:build linux

package evserve

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// Metrics are plain counters, safe to read from any goroutine. The admin
// endpoint is the only reader outside the reactor thread.
type Metrics struct {
	Accepted    atomic.Int64
	Responses   atomic.Int64
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64
}

// Metrics exposes the server's counters, mainly for the admin endpoint
// and tests.
func (s *Server) Metrics() *Metrics {
	return &s.metrics
}

// AdminHandler serves operational state over plain HTTP. It is meant for
// a separate listener on a private port and never touches the connection
// table or the cache contents.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		snapshot := struct {
			Accepted     int64 `json:"accepted"`
			Responses    int64 `json:"responses"`
			CacheHits    int64 `json:"cacheHits"`
			CacheMisses  int64 `json:"cacheMisses"`
			CacheEntries int   `json:"cacheEntries"`
		}{
			Accepted:     s.metrics.Accepted.Load(),
			Responses:    s.metrics.Responses.Load(),
			CacheHits:    s.metrics.CacheHits.Load(),
			CacheMisses:  s.metrics.CacheMisses.Load(),
			CacheEntries: s.cfg.Cache.Len(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	})
	return r
}
