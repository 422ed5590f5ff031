package people

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrLookupFailed marks a resolver that could not be reached or answered
// with something other than a search result.
var ErrLookupFailed = errors.New("identity lookup failed")

// Resolver finds an external identifier for a person. An empty id with a nil
// error means no match.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Wikidata resolves names through the wbsearchentities API.
type Wikidata struct {
	endpoint string
	language string
	client   *http.Client
}

func NewWikidata(endpoint string) *Wikidata {
	return &Wikidata{
		endpoint: endpoint,
		language: "de",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Wikidata) WithHTTPClient(client *http.Client) *Wikidata {
	w.client = client
	return w
}

type wbSearchResponse struct {
	Search []struct {
		ID          string `json:"id"`
		Label       string `json:"label"`
		Description string `json:"description"`
	} `json:"search"`
	Error *struct {
		Code string `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

func (w *Wikidata) Resolve(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	params := url.Values{}
	params.Set("action", "wbsearchentities")
	params.Set("search", name)
	params.Set("language", w.language)
	params.Set("type", "item")
	params.Set("limit", "1")
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build wikidata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "scriptorium-api/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: wikidata status %d", ErrLookupFailed, resp.StatusCode)
	}
	var payload wbSearchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrLookupFailed, err)
	}
	if payload.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrLookupFailed, payload.Error.Info)
	}
	if len(payload.Search) == 0 {
		return "", nil
	}
	return payload.Search[0].ID, nil
}
