package people

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWikidataResolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "wbsearchentities" || q.Get("format") != "json" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("search") {
		case "Johann Wolfgang von Goethe":
			_, _ = w.Write([]byte(`{"search":[{"id":"Q5879","label":"Johann Wolfgang von Goethe"}]}`))
		case "broken":
			_, _ = w.Write([]byte(`{"error":{"code":"param-missing","info":"bad request"}}`))
		default:
			_, _ = w.Write([]byte(`{"search":[]}`))
		}
	}))
	defer server.Close()

	resolver := NewWikidata(server.URL).WithHTTPClient(server.Client())
	ctx := context.Background()

	id, err := resolver.Resolve(ctx, "Johann Wolfgang von Goethe")
	if err != nil || id != "Q5879" {
		t.Fatalf("Resolve() = %q, %v", id, err)
	}
	id, err = resolver.Resolve(ctx, "Niemand Unbekannt")
	if err != nil || id != "" {
		t.Fatalf("no match should be empty without error, got %q, %v", id, err)
	}
	if _, err := resolver.Resolve(ctx, "broken"); !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed, got %v", err)
	}
	if id, err := resolver.Resolve(ctx, "  "); err != nil || id != "" {
		t.Fatalf("blank name should short-circuit, got %q, %v", id, err)
	}
}

func TestWikidataUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewWikidata(server.URL).Resolve(context.Background(), "Goethe")
	if !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed, got %v", err)
	}
}
