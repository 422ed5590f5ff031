package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const DefaultIndex = "scriptorium_pages"

// Meili implements Engine via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	index   string
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the page index. An
// unreachable server is tolerated; the health loop reconfigures on recovery.
func NewMeili(url, apiKey, index string) *Meili {
	if strings.TrimSpace(index) == "" {
		index = DefaultIndex
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		index:  index,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		slog.Warn("search: meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        m.index,
		PrimaryKey: "id",
	}); err != nil {
		slog.Debug("search: create index (may already exist)", "index", m.index, "error", err)
	}

	index := m.client.Index(m.index)
	filterable := []interface{}{
		"work_id", "short_id", "work_status", "page_status",
		"genre", "tags", "collection", "creators", "year", "language",
	}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		slog.Warn("search: update filterable attributes", "index", m.index, "error", err)
	}
	searchable := []string{"text", "title", "creators", "tags", "page_tags", "comments", "collection"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		slog.Warn("search: update searchable attributes", "index", m.index, "error", err)
	}
	sortable := []string{"page_number", "year", "title"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		slog.Warn("search: update sortable attributes", "index", m.index, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			switch {
			case err == nil && !wasHealthy:
				slog.Info("search: meilisearch recovered, reconfiguring index", "index", m.index)
				m.configureIndex()
			case err != nil && wasHealthy:
				slog.Warn("search: meilisearch became unavailable", "error", err)
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Upsert enqueues documents and returns the engine task id.
func (m *Meili) Upsert(ctx context.Context, docs []Document) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !m.healthy.Load() {
		return 0, ErrUnavailable
	}
	info, err := m.client.Index(m.index).AddDocuments(docs, nil)
	if err != nil {
		return 0, fmt.Errorf("meilisearch add documents: %w", err)
	}
	return info.TaskUID, nil
}

func (m *Meili) TaskStatus(ctx context.Context, taskID int64) (TaskState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	task, err := m.client.GetTask(taskID)
	if err != nil {
		return "", fmt.Errorf("meilisearch get task %d: %w", taskID, err)
	}
	return TaskState(task.Status), nil
}

func (m *Meili) Search(ctx context.Context, q Query) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if !m.healthy.Load() {
		return Response{}, ErrUnavailable
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	req := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToCrop:      []string{"text"},
		CropLength:            32,
		AttributesToHighlight: []string{"text", "title"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := buildFilters(q); len(filters) > 0 {
		req.Filter = filters
	}

	resp, err := m.client.Index(m.index).Search(q.Text, req)
	if err != nil {
		m.healthy.Store(false)
		return Response{}, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return Response{Results: results, Total: int(resp.EstimatedTotalHits), Query: q.Text}, nil
}

func buildFilters(q Query) []string {
	var filters []string
	if q.WorkID != "" {
		filters = append(filters, fmt.Sprintf("work_id = %q", q.WorkID))
	}
	if q.WorkStatus != "" {
		filters = append(filters, fmt.Sprintf("work_status = %q", q.WorkStatus))
	}
	if q.PageStatus != "" {
		filters = append(filters, fmt.Sprintf("page_status = %q", q.PageStatus))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:         decodeString(hit, "id"),
		WorkID:     decodeString(hit, "work_id"),
		PageNumber: decodeInt(hit, "page_number"),
		Title:      firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:    firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
		PageStatus: decodeString(hit, "page_status"),
		WorkStatus: decodeString(hit, "work_status"),
	}
}

func decodeString(hit map[string]json.RawMessage, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit map[string]json.RawMessage, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

// decodeFormattedString reads one string field of the "_formatted" object,
// which also carries arrays and numbers.
func decodeFormattedString(hit map[string]json.RawMessage, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(decodeString(formatted, key))
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
