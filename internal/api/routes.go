package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/apipat2499/omni-sales-sub013/internal/config"
	syncengine "github.com/apipat2499/omni-sales-sub013/internal/sync"
)

type Handler struct {
	engine     *syncengine.Engine
	controller *syncengine.Controller
	authToken  string
}

func NewHandler(engine *syncengine.Engine, controller *syncengine.Controller, cfg config.ServerConfig) *Handler {
	return &Handler{
		engine:     engine,
		controller: controller,
		authToken:  cfg.AuthToken,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", h.GetStatus)
			r.Post("/trigger", h.TriggerSync)
			r.Post("/retry", h.RetryFailed)
			r.Get("/queue", h.GetQueue)
			r.Delete("/queue", h.ClearQueue)
			r.Get("/history", h.GetHistory)
			r.Get("/conflicts", h.GetConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
		})

		r.Post("/connectivity", h.SetConnectivity)

		r.Route("/records/{type}", func(r chi.Router) {
			r.Get("/", h.ListRecords)
			r.Post("/", h.CreateRecord)
			r.Get("/{id}", h.GetRecord)
			r.Put("/{id}", h.UpdateRecord)
			r.Delete("/{id}", h.DeleteRecord)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.ForceSync(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n := h.engine.RetryFailed(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.QueueItems())
}

func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearQueue()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.History())
}

func (h *Handler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Conflicts())
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Accepted map[string]any `json:"accepted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.ResolveConflict(r.Context(), chi.URLParam(r, "id"), body.Accepted); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.controller.SetOnline(body.Online)
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Records(chi.URLParam(r, "type")))
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.engine.Record(chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     string         `json:"id"`
		Fields map[string]any `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := h.engine.CreateRecord(r.Context(), chi.URLParam(r, "type"), body.ID, body.Fields)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.engine.UpdateRecord(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"), patch); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteRecord(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
