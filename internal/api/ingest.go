package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/tellus/internal/knowledge"
	"github.com/kalambet/tellus/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB

const urlFetchTimeout = 30 * time.Second

// IngestRequest adds one reference document to the knowledge base. Type is
// "text" (default), "url" or "pdf"; pdf content is base64.
type IngestRequest struct {
	Domain  string `json:"domain"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
	Source  string `json:"source"`
}

type knowledgeDoc struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func toKnowledgeDoc(d storage.KnowledgeDoc, withContent bool) knowledgeDoc {
	out := knowledgeDoc{ID: d.ID, Domain: d.Domain, Title: d.Title, Source: d.Source, CreatedAt: d.CreatedAt}
	if withContent {
		out.Content = d.Content
	}
	return out
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Knowledge == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "knowledge store is not available")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Domain == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "domain is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}
		if req.Source == "" {
			req.Source = "api"
		}

		var (
			doc storage.KnowledgeDoc
			err error
		)
		switch req.Type {
		case "text":
			doc, err = deps.Knowledge.AddText(req.Domain, req.Title, req.Content, req.Source)
		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required for type url")
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), urlFetchTimeout)
			defer cancel()
			doc, err = deps.Knowledge.AddURL(ctx, req.Domain, req.URL)
			if err != nil && !errors.Is(err, knowledge.ErrEmptyContent) {
				httpError(w, http.StatusBadGateway, "api_error", "failed to ingest url: %v", err)
				return
			}
		case "pdf":
			data, decErr := base64.StdEncoding.DecodeString(req.Content)
			if decErr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			doc, err = deps.Knowledge.AddPDF(req.Domain, req.Title, data)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown type %q", req.Type)
			return
		}
		if errors.Is(err, knowledge.ErrEmptyContent) {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "document has no text content")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to ingest document: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, toKnowledgeDoc(doc, false))
	}
}

func handleListKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Knowledge == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "knowledge store is not available")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		docs, err := deps.Knowledge.List(r.URL.Query().Get("domain"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list knowledge: %v", err)
			return
		}
		out := make([]knowledgeDoc, len(docs))
		for i, d := range docs {
			out[i] = toKnowledgeDoc(d, true)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
