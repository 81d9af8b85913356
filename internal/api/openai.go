package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/tellus/internal/engine"
	"github.com/kalambet/tellus/internal/knowledge"
	"github.com/kalambet/tellus/internal/proxy"
	"github.com/kalambet/tellus/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps are the collaborators of the HTTP surface. Proxy and Knowledge may be
// nil; their routes then answer 503.
type Deps struct {
	Service   *service.Service
	Knowledge *knowledge.Store
	Proxy     *proxy.Client
	Token     string
	Logger    *slog.Logger
}

// NewHandler returns the full HTTP API. /health and the OpenAI-compatible
// /v1 routes are open; everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/health", handleHealth)
	r.Get("/v1/models", handleModels(deps))
	r.Post("/v1/route", handleRoute(deps))
	r.Post("/v1/chat/completions", handleChatCompletions(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		mountApp(r, deps)
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Proxy == nil || !deps.Proxy.Configured() {
			httpError(w, http.StatusServiceUnavailable, "api_error", "cloud models are not configured")
			return
		}
		models, err := deps.Proxy.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, proxy.ModelList{Object: "list", Data: models})
	}
}

type routeRequest struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context"`
}

func handleRoute(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req routeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		writeJSON(w, http.StatusOK, deps.Service.Route(r.Context(), req.Query, req.Context))
	}
}

// handleChatCompletions routes the last user message and forwards the request
// upstream. A cloud primary model replaces the requested model; local
// primaries are reported in headers only.
func handleChatCompletions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req proxy.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !hasMessages(req.Messages) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}
		if deps.Proxy == nil || !deps.Proxy.Configured() {
			httpError(w, http.StatusServiceUnavailable, "api_error", "cloud models are not configured")
			return
		}

		decision := deps.Service.Route(r.Context(), proxy.LastUserMessage(req.Messages), nil)
		if decision.PrimaryModel != "" && !engine.IsLocalModel(decision.PrimaryModel) {
			req.Model = decision.PrimaryModel
		}
		if req.Model == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model is required when no cloud model matches the query")
			return
		}
		w.Header().Set("X-Tellus-Pattern", string(decision.Pattern))
		w.Header().Set("X-Tellus-Primary-Model", decision.PrimaryModel)
		deps.Logger.Debug("chat routed", "pattern", decision.Pattern, "model", req.Model)

		rc, err := deps.Proxy.Chat(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
			return
		}
		defer rc.Close()

		if req.Stream {
			streamResponse(w, rc, deps.Logger)
			return
		}
		body, err := io.ReadAll(rc)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "reading upstream response: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}

func streamResponse(w http.ResponseWriter, rc io.Reader, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	reader := bufio.NewReader(rc)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			w.Write(line)
			flusher.Flush()
		}
		if err == nil {
			continue
		}
		if err != io.EOF {
			logger.Warn("upstream stream read error", "error", err)
			payload, _ := json.Marshal(map[string]any{
				"error": map[string]any{"message": "upstream read error", "type": "server_error"},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		return
	}
}

func hasMessages(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) > 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
