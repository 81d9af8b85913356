// Package knowledge ingests domain reference material (text, web pages, PDFs)
// and serves it back as source snippets for knowledge extraction.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/tellus/internal/storage"
)

const (
	maxFetchBytes = 4 << 20
	fetchTimeout  = 30 * time.Second
	// maxSnippetRunes bounds each snippet handed to a teacher.
	maxSnippetRunes = 1200
)

// ErrEmptyContent is returned when a document yields no text.
var ErrEmptyContent = errors.New("document has no text content")

// Store persists knowledge documents and retrieves snippets by domain.
type Store struct {
	db         *storage.Store
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore creates a knowledge Store over the SQLite store.
func NewStore(db *storage.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:         db,
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// AddText stores a plain-text document.
func (s *Store) AddText(domain, title, content, source string) (storage.KnowledgeDoc, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return storage.KnowledgeDoc{}, ErrEmptyContent
	}
	if domain == "" {
		return storage.KnowledgeDoc{}, errors.New("domain is required")
	}
	doc := storage.KnowledgeDoc{
		ID:        uuid.New().String(),
		Domain:    domain,
		Title:     title,
		Content:   content,
		Source:    source,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.SaveKnowledgeDoc(doc); err != nil {
		return storage.KnowledgeDoc{}, fmt.Errorf("saving knowledge doc: %w", err)
	}
	s.logger.Info("knowledge document added", "id", doc.ID, "domain", domain, "source", source, "chars", len(content))
	return doc, nil
}

// AddURL fetches a web page and stores its readable text. Plain-text
// responses are stored as-is.
func (s *Store) AddURL(ctx context.Context, domain, url string) (storage.KnowledgeDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return storage.KnowledgeDoc{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "tellus/1.0 (+https://github.com/kalambet/tellus)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return storage.KnowledgeDoc{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return storage.KnowledgeDoc{}, fmt.Errorf("fetching %s: HTTP %d", url, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxFetchBytes)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/plain") {
		b, err := io.ReadAll(body)
		if err != nil {
			return storage.KnowledgeDoc{}, fmt.Errorf("reading %s: %w", url, err)
		}
		return s.AddText(domain, url, string(b), url)
	}

	title, text, err := HTMLText(body)
	if err != nil {
		return storage.KnowledgeDoc{}, err
	}
	if title == "" {
		title = url
	}
	return s.AddText(domain, title, text, url)
}

// AddPDF extracts and stores the text of a PDF document.
func (s *Store) AddPDF(domain, title string, data []byte) (storage.KnowledgeDoc, error) {
	text, err := PDFText(data)
	if err != nil {
		return storage.KnowledgeDoc{}, err
	}
	return s.AddText(domain, title, text, "pdf")
}

// List returns documents of one domain (all domains when empty), newest first.
func (s *Store) List(domain string, limit int) ([]storage.KnowledgeDoc, error) {
	return s.db.ListKnowledgeDocs(domain, limit)
}

// Snippets returns up to limit text snippets relevant to the domains: every
// document tagged with one of them, plus untagged documents mentioning a
// keyword. Duplicates across domains are returned once.
func (s *Store) Snippets(ctx context.Context, domains, keywords []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	seen := make(map[string]bool)
	var out []string
	for _, d := range domains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docs, err := s.db.SearchKnowledgeDocs(d, keywords, limit)
		if err != nil {
			return nil, fmt.Errorf("searching knowledge for %s: %w", d, err)
		}
		for _, doc := range docs {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			out = append(out, truncateRunes(doc.Content, maxSnippetRunes))
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
