package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tellus/internal/interactions"
	"github.com/kalambet/tellus/internal/registry"
	"github.com/kalambet/tellus/internal/routing"
	"github.com/kalambet/tellus/internal/service"
)

func mountApp(r chi.Router, deps Deps) {
	r.Post("/activity", handleActivity(deps))

	r.Post("/interactions", handleRecordInteraction(deps))
	r.Get("/interactions", handleListInteractions(deps))
	r.Get("/interactions/{id}", handleGetInteraction(deps))
	r.Delete("/interactions/{id}", handleDeleteInteraction(deps))
	r.Patch("/interactions/{id}/feedback", handleFeedback(deps))

	r.Get("/distillation/status", handleStatus(deps))

	r.Get("/models", handleListModels(deps))
	r.Get("/models/{id}", handleGetModel(deps))
	r.Post("/models/{id}/invoke", handleInvokeModel(deps))
	r.Post("/models/{id}/rating", handleRateModel(deps))

	r.Post("/knowledge", handleIngest(deps))
	r.Get("/knowledge", handleListKnowledge(deps))
}

func handleActivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Service.Heartbeat()
		w.WriteHeader(http.StatusNoContent)
	}
}

type recordRequest struct {
	Query          string            `json:"query"`
	Response       string            `json:"response"`
	Routing        *routing.Decision `json:"routing"`
	Feedback       string            `json:"feedback"`
	SessionContext map[string]any    `json:"session_context"`
}

func handleRecordInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req recordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		fb, err := interactions.ParseFeedback(req.Feedback)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		rec, err := deps.Service.RecordInteraction(r.Context(), service.InteractionInput{
			Query:          req.Query,
			Response:       req.Response,
			Routing:        req.Routing,
			Feedback:       fb,
			SessionContext: req.SessionContext,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record interaction: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func handleListInteractions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		records, err := deps.Service.Interactions(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if records == nil {
			records = []interactions.Record{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleGetInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Service.Interaction(chi.URLParam(r, "id"))
		if errors.Is(err, interactions.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Service.DeleteInteraction(chi.URLParam(r, "id"))
		if errors.Is(err, interactions.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete interaction: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Feedback string `json:"feedback"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		fb, err := interactions.ParseFeedback(req.Feedback)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		rec, err := deps.Service.SetFeedback(chi.URLParam(r, "id"), fb)
		if errors.Is(err, interactions.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update feedback: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleListModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Service.Models())
	}
}

func handleGetModel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Service.Model(chi.URLParam(r, "id"))
		if errors.Is(err, registry.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get model: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleInvokeModel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		res, err := deps.Service.InvokeModel(r.Context(), chi.URLParam(r, "id"), req.Query)
		if errors.Is(err, registry.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "model execution failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleRateModel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Rating float64 `json:"rating"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		e, err := deps.Service.RateModel(chi.URLParam(r, "id"), req.Rating)
		if errors.Is(err, registry.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}
