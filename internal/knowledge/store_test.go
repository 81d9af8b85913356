package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/tellus/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, nil)
}

func TestAddText_RejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddText("ecology", "t", "   ", "cli"); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("error = %v, want ErrEmptyContent", err)
	}
	if _, err := s.AddText("", "t", "text", "cli"); err == nil {
		t.Error("AddText without domain error = nil")
	}
}

func TestAddURL_HTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Wetland Habitats</title><style>p{}</style></head>
<body><nav>Home | About</nav><h1>Wetlands</h1><p>Wetlands host  many species.</p><script>track()</script></body></html>`)
	}))
	defer srv.Close()

	s := newTestStore(t)
	doc, err := s.AddURL(context.Background(), "ecology", srv.URL)
	if err != nil {
		t.Fatalf("AddURL: %v", err)
	}
	if doc.Title != "Wetland Habitats" {
		t.Errorf("Title = %q", doc.Title)
	}
	if !strings.Contains(doc.Content, "Wetlands host many species.") {
		t.Errorf("Content = %q", doc.Content)
	}
	for _, bad := range []string{"track()", "Home | About", "p{}"} {
		if strings.Contains(doc.Content, bad) {
			t.Errorf("Content contains %q: %q", bad, doc.Content)
		}
	}
	if doc.Source != srv.URL {
		t.Errorf("Source = %q", doc.Source)
	}
}

func TestAddURL_PlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "Ozone peaks on hot afternoons.")
	}))
	defer srv.Close()

	doc, err := newTestStore(t).AddURL(context.Background(), "air_quality", srv.URL)
	if err != nil {
		t.Fatalf("AddURL: %v", err)
	}
	if doc.Content != "Ozone peaks on hot afternoons." {
		t.Errorf("Content = %q", doc.Content)
	}
}

func TestAddURL_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := newTestStore(t).AddURL(context.Background(), "ecology", srv.URL); err == nil {
		t.Error("AddURL error = nil, want HTTP 404 error")
	}
}

func TestAddPDF_Invalid(t *testing.T) {
	if _, err := newTestStore(t).AddPDF("ecology", "x", []byte("not a pdf")); err == nil {
		t.Error("AddPDF error = nil for non-pdf bytes")
	}
}

func TestSnippets_DomainAndKeywordDedup(t *testing.T) {
	s := newTestStore(t)
	mustAdd := func(domain, content string) {
		t.Helper()
		if _, err := s.AddText(domain, "", content, "test"); err != nil {
			t.Fatalf("AddText: %v", err)
		}
	}
	mustAdd("agriculture", "Crop rotation restores soil nitrogen.")
	mustAdd("general", "Irrigation timing matters in drought.")
	mustAdd("meteorology", "Fronts bring rain.")

	got, err := s.Snippets(context.Background(), []string{"agriculture", "hydrology"}, []string{"irrigation"}, 10)
	if err != nil {
		t.Fatalf("Snippets: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("snippets = %q, want 2", got)
	}
	for _, s := range got {
		if strings.Contains(s, "Fronts") {
			t.Errorf("unrelated snippet returned: %q", s)
		}
	}
}

func TestSnippets_Limit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.AddText("ecology", "", fmt.Sprintf("habitat note %d", i), "test"); err != nil {
			t.Fatalf("AddText: %v", err)
		}
	}
	got, err := s.Snippets(context.Background(), []string{"ecology"}, nil, 3)
	if err != nil {
		t.Fatalf("Snippets: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
}

func TestHTMLText_ParagraphBreaks(t *testing.T) {
	_, text, err := HTMLText(strings.NewReader(`<p>one</p><p>two</p>`))
	if err != nil {
		t.Fatalf("HTMLText: %v", err)
	}
	if text != "one\ntwo" {
		t.Errorf("text = %q, want %q", text, "one\ntwo")
	}
}
