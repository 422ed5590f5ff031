package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scriptorium/api/internal/catalog"
	"scriptorium/api/internal/gitrepo"
	"scriptorium/api/internal/store"
)

const discoveryAuthor = "scriptorium"

// Committer records text files in the version history.
type Committer interface {
	Commit(relPath, content, author, message string) (gitrepo.CommitResult, error)
	History(relPath string, limit int) ([]store.CommitInfo, error)
}

// Discovery turns directories dropped into the data root into catalogued
// works: default metadata, an initial commit and an index push.
type Discovery struct {
	catalog *catalog.Catalog
	repo    Committer
	syncer  *Synchronizer
	quiet   time.Duration
	now     func() time.Time
}

// NewDiscovery builds a scanner. syncer may be nil when search is disabled.
func NewDiscovery(cat *catalog.Catalog, repo Committer, syncer *Synchronizer, quiet time.Duration) *Discovery {
	return &Discovery{
		catalog: cat,
		repo:    repo,
		syncer:  syncer,
		quiet:   quiet,
		now:     time.Now,
	}
}

func (d *Discovery) WithClock(now func() time.Time) *Discovery {
	d.now = now
	return d
}

// Scan catalogues every settled work without metadata and returns the ids
// it picked up. Works still being written to are left for a later scan.
func (d *Discovery) Scan(ctx context.Context) ([]string, error) {
	works, err := d.catalog.ListWorks()
	if err != nil {
		return nil, err
	}
	found := make([]string, 0)
	for _, workID := range works {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if d.catalog.HasMetadata(workID) {
			continue
		}
		modified, err := d.catalog.LastModified(workID)
		if err != nil {
			slog.Warn("search: discovery stat failed", "work", workID, "error", err)
			continue
		}
		if d.now().Sub(modified) < d.quiet {
			continue
		}
		created, err := d.catalogue(workID)
		if err != nil {
			slog.Warn("search: discovery failed", "work", workID, "error", err)
			continue
		}
		if created {
			found = append(found, workID)
			if d.syncer != nil {
				d.syncer.SyncWorkAsync(workID)
			}
		}
	}
	return found, nil
}

// catalogue gives every existing transcription its initial commit and then
// writes metadata.json. Metadata is the completion marker: a work that fails
// halfway stays uncatalogued and the next scan picks up the texts still
// missing from history.
func (d *Discovery) catalogue(workID string) (bool, error) {
	unlock := d.catalog.LockMetadata(workID)
	defer unlock()

	if d.catalog.HasMetadata(workID) {
		return false, nil
	}
	pages, err := d.catalog.Pages(workID)
	if err != nil {
		return false, err
	}
	if len(pages) == 0 {
		return false, nil
	}

	for _, page := range pages {
		if err := d.captureText(workID, page); err != nil {
			return false, err
		}
	}

	meta := catalog.DefaultWorkMetadata(workID)
	content, err := catalog.EncodeWorkMetadata(meta)
	if err != nil {
		return false, err
	}
	if _, err := d.repo.Commit(catalog.MetadataPath(workID), content, discoveryAuthor, "Catalogue "+workID); err != nil {
		return false, fmt.Errorf("commit metadata: %w", err)
	}
	slog.Info("search: discovered work", "work", workID, "pages", len(pages), "title", meta.Title)
	return true, nil
}

func (d *Discovery) captureText(workID string, page catalog.Page) error {
	unlock := d.catalog.LockText(workID, page.Number)
	defer unlock()

	text, err := d.catalog.ReadText(page)
	if err != nil || text == "" {
		return nil
	}
	history, err := d.repo.History(page.TextPath(), 1)
	if err != nil {
		return fmt.Errorf("history %s: %w", page.TextPath(), err)
	}
	if len(history) > 0 {
		return nil
	}
	if _, err := d.repo.Commit(page.TextPath(), text, discoveryAuthor, ""); err != nil {
		return fmt.Errorf("commit %s: %w", page.TextPath(), err)
	}
	return nil
}

// Run scans every interval until ctx is done.
func (d *Discovery) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if found, err := d.Scan(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("search: discovery scan failed", "error", err)
		} else if len(found) > 0 {
			slog.Info("search: discovery catalogued works", "count", len(found))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
