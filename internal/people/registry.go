// Package people derives the set of creators named across all works and
// links them to an external identity source.
package people

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"scriptorium/api/internal/catalog"
	"scriptorium/api/internal/gitrepo"
	"scriptorium/api/internal/store"
)

const (
	JobIdle    = "idle"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"

	refreshAuthor = "scriptorium"
)

var ErrRefreshRunning = errors.New("people refresh already running")

type Person struct {
	Name       string     `json:"name"`
	Roles      []string   `json:"roles"`
	Works      []string   `json:"works"`
	WikidataID string     `json:"wikidata_id,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type File struct {
	People    []Person  `json:"people"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobStatus struct {
	State      string     `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	People     int        `json:"people"`
	Resolved   int        `json:"resolved"`
	Failed     int        `json:"failed"`
	Linked     []string   `json:"linked_works,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Committer writes a file into the version history.
type Committer interface {
	Commit(relPath, content, author, message string) (gitrepo.CommitResult, error)
}

// WorkSyncer is told about works whose metadata changed.
type WorkSyncer interface {
	SyncWorkAsync(workID string)
}

type Registry struct {
	catalog  *catalog.Catalog
	file     *store.JSONFile[File]
	resolver Resolver
	repo     Committer
	syncer   WorkSyncer
	now      func() time.Time

	mu     sync.Mutex
	status JobStatus
	wg     sync.WaitGroup
}

// NewRegistry builds a registry. resolver, repo and syncer may be nil: without
// a resolver the refresh only collects names, without repo nothing is written
// back to work metadata.
func NewRegistry(cat *catalog.Catalog, file *store.JSONFile[File], resolver Resolver, repo Committer, syncer WorkSyncer) *Registry {
	return &Registry{
		catalog:  cat,
		file:     file,
		resolver: resolver,
		repo:     repo,
		syncer:   syncer,
		now:      time.Now,
		status:   JobStatus{State: JobIdle},
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// List returns the last persisted registry.
func (r *Registry) List() ([]Person, error) {
	data, err := r.file.Load()
	if err != nil {
		return nil, err
	}
	return data.People, nil
}

// Collect walks every work's metadata and merges creators by name, keeping
// identifiers already known from the registry or the metadata itself.
func (r *Registry) Collect() ([]Person, error) {
	works, err := r.catalog.ListWorks()
	if err != nil {
		return nil, err
	}
	known, err := r.file.Load()
	if err != nil {
		return nil, err
	}
	previous := make(map[string]Person, len(known.People))
	for _, p := range known.People {
		previous[personKey(p.Name)] = p
	}

	byKey := make(map[string]*Person)
	for _, workID := range works {
		meta, ok, err := r.catalog.ReadMetadata(workID)
		if err != nil {
			slog.Warn("people: skip unreadable metadata", "work", workID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		for _, c := range meta.Creators {
			key := personKey(c.Name)
			if key == "" {
				continue
			}
			p, seen := byKey[key]
			if !seen {
				p = &Person{Name: strings.TrimSpace(c.Name), Roles: []string{}, Works: []string{}}
				if prev, ok := previous[key]; ok {
					p.WikidataID = prev.WikidataID
					p.ResolvedAt = prev.ResolvedAt
				}
				byKey[key] = p
			}
			if c.WikidataID != "" && p.WikidataID == "" {
				p.WikidataID = c.WikidataID
			}
			p.Roles = appendUnique(p.Roles, c.Role)
			p.Works = appendUnique(p.Works, workID)
		}
	}

	out := make([]Person, 0, len(byKey))
	for _, p := range byKey {
		sort.Strings(p.Roles)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return personKey(out[i].Name) < personKey(out[j].Name) })
	return out, nil
}

// Refresh collects people, resolves those without an identifier and links
// the results back into work metadata. A failed lookup is logged against the
// person and never aborts the run.
func (r *Registry) Refresh(ctx context.Context) (JobStatus, error) {
	started := r.now().UTC()
	status := JobStatus{State: JobRunning, StartedAt: &started}

	people, err := r.Collect()
	if err != nil {
		return r.finish(status, err), err
	}
	status.People = len(people)

	if r.resolver != nil {
		for i := range people {
			if err := ctx.Err(); err != nil {
				return r.finish(status, err), err
			}
			p := &people[i]
			if p.WikidataID != "" {
				continue
			}
			id, err := r.resolver.Resolve(ctx, p.Name)
			if err != nil {
				slog.Warn("people: resolve failed", "person", p.Name, "error", err)
				p.LastError = err.Error()
				status.Failed++
				continue
			}
			if id == "" {
				continue
			}
			now := r.now().UTC()
			p.WikidataID = id
			p.ResolvedAt = &now
			status.Resolved++
		}
	}

	err = r.file.Update(func(f *File) error {
		f.People = people
		f.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return r.finish(status, err), err
	}

	status.Linked = r.linkWorks(people)
	return r.finish(status, nil), nil
}

func (r *Registry) finish(status JobStatus, err error) JobStatus {
	finished := r.now().UTC()
	status.FinishedAt = &finished
	status.State = JobDone
	if err != nil {
		status.State = JobFailed
		status.Error = err.Error()
	}
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	return status
}

// linkWorks writes resolved identifiers into creators that lack one and
// returns the works it changed.
func (r *Registry) linkWorks(people []Person) []string {
	if r.repo == nil {
		return nil
	}
	ids := make(map[string]string)
	works := make(map[string]struct{})
	for _, p := range people {
		if p.WikidataID == "" {
			continue
		}
		ids[personKey(p.Name)] = p.WikidataID
		for _, w := range p.Works {
			works[w] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(works))
	for w := range works {
		ordered = append(ordered, w)
	}
	sort.Strings(ordered)

	linked := make([]string, 0)
	for _, workID := range ordered {
		changed, err := r.linkWork(workID, ids)
		if err != nil {
			slog.Warn("people: link work failed", "work", workID, "error", err)
			continue
		}
		if changed {
			linked = append(linked, workID)
			if r.syncer != nil {
				r.syncer.SyncWorkAsync(workID)
			}
		}
	}
	return linked
}

func (r *Registry) linkWork(workID string, ids map[string]string) (bool, error) {
	unlock := r.catalog.LockMetadata(workID)
	defer unlock()

	meta, ok, err := r.catalog.ReadMetadata(workID)
	if err != nil || !ok {
		return false, err
	}
	changed := false
	for i := range meta.Creators {
		c := &meta.Creators[i]
		if c.WikidataID != "" {
			continue
		}
		if id := ids[personKey(c.Name)]; id != "" {
			c.WikidataID = id
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	content, err := catalog.EncodeWorkMetadata(meta)
	if err != nil {
		return false, err
	}
	if _, err := r.repo.Commit(catalog.MetadataPath(workID), content, refreshAuthor, "Link creators of "+workID+" to Wikidata"); err != nil {
		return false, fmt.Errorf("commit metadata: %w", err)
	}
	return true, nil
}

// Start launches a background refresh. It fails with ErrRefreshRunning while
// another refresh is in flight.
func (r *Registry) Start(ctx context.Context) (JobStatus, error) {
	r.mu.Lock()
	if r.status.State == JobRunning {
		status := r.status
		r.mu.Unlock()
		return status, ErrRefreshRunning
	}
	started := r.now().UTC()
	r.status = JobStatus{State: JobRunning, StartedAt: &started}
	status := r.status
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if _, err := r.Refresh(ctx); err != nil {
			slog.Error("people: refresh failed", "error", err)
		}
	}()
	return status, nil
}

func (r *Registry) Status() JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Wait blocks until a refresh started with Start has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Run refreshes every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Start(ctx); err != nil && !errors.Is(err, ErrRefreshRunning) {
				slog.Warn("people: scheduled refresh failed", "error", err)
			}
		}
	}
}

func personKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func appendUnique(values []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return values
	}
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
