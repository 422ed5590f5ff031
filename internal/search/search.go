package search

import (
	"context"
	"errors"
)

// Work-level statuses written onto every page document of a work.
const (
	WorkDraft      = "draft"
	WorkInProgress = "in_progress"
	WorkDone       = "done"
)

// TaskState mirrors the engine's asynchronous task lifecycle.
type TaskState string

const (
	TaskEnqueued   TaskState = "enqueued"
	TaskProcessing TaskState = "processing"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskCanceled   TaskState = "canceled"
)

func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCanceled
}

var (
	ErrUnavailable = errors.New("search engine unavailable")
	ErrTaskTimeout = errors.New("search task did not finish in time")
)

// Document is the denormalized per-page record pushed to the engine.
type Document struct {
	ID         string   `json:"id"`
	WorkID     string   `json:"work_id"`
	ShortID    string   `json:"short_id"`
	PageNumber int      `json:"page_number"`
	Image      string   `json:"image"`
	Title      string   `json:"title"`
	Creators   []string `json:"creators"`
	Year       int      `json:"year,omitempty"`
	Language   string   `json:"language,omitempty"`
	Genre      string   `json:"genre,omitempty"`
	Tags       []string `json:"tags"`
	Collection []string `json:"collection"`
	Text       string   `json:"text"`
	PageStatus string   `json:"page_status"`
	PageTags   []string `json:"page_tags"`
	Comments   []string `json:"comments"`
	WorkStatus string   `json:"work_status"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	WorkID     string `json:"work_id"`
	PageNumber int    `json:"page_number"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	PageStatus string `json:"page_status"`
	WorkStatus string `json:"work_status"`
}

// Query describes a search request.
type Query struct {
	Text       string
	WorkID     string
	WorkStatus string
	PageStatus string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Engine is the external full-text index. Upserts are asynchronous; the
// returned task id is polled through TaskStatus.
type Engine interface {
	Upsert(ctx context.Context, docs []Document) (int64, error)
	TaskStatus(ctx context.Context, taskID int64) (TaskState, error)
	Search(ctx context.Context, q Query) (Response, error)
	Healthy() bool
}
