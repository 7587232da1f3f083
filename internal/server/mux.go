// Package server exposes the operational HTTP surface of the ingest
// service: health probes and metrics. The public upload API lives in
// the web tier; this service only consumes its creation interface.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

// Mux handles the ops endpoints.
type Mux struct {
	mux   *http.ServeMux
	store storage.Store
}

// NewMux builds the ops mux over the given record store.
func NewMux(store storage.Store) *http.ServeMux {
	m := &Mux{
		mux:   http.NewServeMux(),
		store: store,
	}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	return m.mux
}

// handleHealthz handles liveness health check requests.
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests by probing the
// record store. ErrNotFound proves the store answered.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	_, err := m.store.GetUploadEvent(ctx, "readiness-probe")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
