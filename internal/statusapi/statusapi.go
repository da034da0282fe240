// Package statusapi exposes the read-only status/admin HTTP endpoint:
// a JSON snapshot of the upstream list at GET /status, and a
// Prometheus scrape surface at GET /metrics. It never accepts writes;
// the upstream list is owned entirely by the connect core and the
// monitor.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hedgeproxy/internal/upstream"
)

// StatusEntry is the JSON shape of one upstream in the /status
// response, per spec.md §6: tag, protocol, open-connection count,
// cumulative tx/rx, and latency score.
type StatusEntry struct {
	Tag         string `json:"tag"`
	Protocol    string `json:"protocol"`
	Addr        string `json:"addr"`
	OpenConns   int64  `json:"open_conns"`
	TxBytes     int64  `json:"tx_bytes"`
	RxBytes     int64  `json:"rx_bytes"`
	Errors      int64  `json:"errors"`
	ScoreMillis int64  `json:"score_ms"`
	Healthy     bool   `json:"healthy"`
}

// Handler builds the status/admin router over list. Routing uses chi
// so additional read-only routes can be added without restructuring a
// bare http.ServeMux, per SPEC_FULL §4.8.
func Handler(list *upstream.List) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		ups := list.Snapshot()
		entries := make([]StatusEntry, 0, len(ups))
		for _, u := range ups {
			snap := u.Snapshot()
			entries = append(entries, StatusEntry{
				Tag:         snap.Tag,
				Protocol:    snap.Protocol,
				Addr:        snap.Addr,
				OpenConns:   snap.OpenConns,
				TxBytes:     snap.TxBytes,
				RxBytes:     snap.RxBytes,
				Errors:      snap.Errors,
				ScoreMillis: snap.ScoreMillis,
				Healthy:     snap.Healthy,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(list))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}
