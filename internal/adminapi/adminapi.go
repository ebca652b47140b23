// Package adminapi exposes Relay's HTTP control surface: adapter
// lifecycle inspection and reload, and the published metrics endpoint.
// Inbound webhook routes are mounted separately via MountInboundWebhook,
// since each one is keyed by an adapter-specific secret rather than
// sharing this router's middleware stack.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/dorkos/relay/internal/adaptermgr"
	"github.com/dorkos/relay/internal/adapters/webhook"
	"github.com/dorkos/relay/internal/registry"
	"github.com/dorkos/relay/internal/relaycore"
	"github.com/dorkos/relay/internal/relaydb"
	"github.com/dorkos/relay/pkg/contracts"
	"github.com/dorkos/relay/pkg/relayerr"
)

// NewRouter builds the admin HTTP surface.
func NewRouter(reg *registry.Registry, core *relaycore.Core, mgr *adaptermgr.Manager, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/admin/adapters", listAdapters(reg))
	r.Get("/admin/adapters/{id}", getAdapterStatus(reg))
	r.Delete("/admin/adapters/{id}", unregisterAdapter(reg))
	r.Post("/admin/adapters/reload", reloadAdapters(mgr))
	r.Get("/admin/metrics", getMetrics(core))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, relayerr.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func listAdapters(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, reg.ListStatuses())
	}
}

func getAdapterStatus(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		status, err := reg.GetStatus(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func unregisterAdapter(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := reg.Unregister(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func reloadAdapters(mgr *adaptermgr.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.ReloadNow(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func getMetrics(core *relaycore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, core.Metrics())
	}
}

// MountInboundWebhook wires a webhook adapter's inbound HTTP route onto
// mux at "/webhook/{adapterID}".
func MountInboundWebhook(mux *chi.Mux, cfg webhook.InboundConfig, db *relaydb.DB, pub contracts.Publisher, log zerolog.Logger) {
	mux.Post("/webhook/"+cfg.AdapterID, webhook.InboundHandler(cfg, db, pub, log))
}
