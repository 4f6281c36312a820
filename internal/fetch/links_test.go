package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/core"
)

func newLinkServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/chain", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved", http.StatusFound)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestResolve(t *testing.T) {
	server := newLinkServer(t)
	v := NewLinkValidator(5*time.Second, zerolog.Nop())
	ctx := context.Background()

	testCases := []struct {
		name string
		link string
		want string
	}{
		{"2xx kept", server.URL + "/ok", server.URL + "/ok"},
		{"301 to 200 rewritten", server.URL + "/moved", server.URL + "/ok"},
		{"404 dropped", server.URL + "/missing", ""},
		{"second redirect not followed", server.URL + "/chain", ""},
		{"connection error dropped", "http://127.0.0.1:1/unreachable", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := v.Resolve(ctx, tc.link); got != tc.want {
				t.Errorf("Resolve(%s) = %q, want %q", tc.link, got, tc.want)
			}
		})
	}
}

func TestValidateBuildsNewLinkSlices(t *testing.T) {
	server := newLinkServer(t)
	v := NewLinkValidator(5*time.Second, zerolog.Nop())

	articles := []core.Article{{
		Title: "GPT-5",
		Links: []string{
			server.URL + "/missing",
			server.URL + "/moved",
			server.URL + "/ok",
			server.URL + "/missing",
		},
		Sources: []string{"The Batch"},
	}}
	original := append([]string(nil), articles[0].Links...)

	validated, checks := v.Validate(context.Background(), articles, nil)

	if len(validated) != 1 {
		t.Fatalf("Expected 1 article, got %d", len(validated))
	}
	if got := validated[0].Links; len(got) != 1 || got[0] != server.URL+"/ok" {
		t.Errorf("Expected only the resolved /ok link once, got %v", got)
	}
	for i, link := range articles[0].Links {
		if link != original[i] {
			t.Errorf("Input article was modified at %d: %s", i, link)
		}
	}
	if len(checks) != 3 {
		t.Errorf("Expected 3 distinct URLs checked, got %d: %v", len(checks), checks)
	}
	if checks[server.URL+"/missing"] != "" {
		t.Errorf("Expected /missing recorded as dropped")
	}
}

func TestValidateReusesKnownChecks(t *testing.T) {
	v := NewLinkValidator(time.Second, zerolog.Nop())
	known := LinkChecks{
		"https://example.invalid/a": "https://example.invalid/b",
		"https://example.invalid/c": "",
	}
	articles := []core.Article{{Links: []string{"https://example.invalid/a", "https://example.invalid/c"}}}

	validated, _ := v.Validate(context.Background(), articles, known)

	if got := validated[0].Links; len(got) != 1 || got[0] != "https://example.invalid/b" {
		t.Errorf("Expected cached resolution without network access, got %v", got)
	}
}
