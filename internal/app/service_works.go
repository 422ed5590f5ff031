package app

import (
	"fmt"
	"log/slog"
	"strings"

	"scriptorium/api/internal/catalog"
	"scriptorium/api/internal/session"
)

type BulkItem struct {
	WorkID string `json:"work_id"`
	OK     bool   `json:"ok"`
	Commit string `json:"commit,omitempty"`
	Error  string `json:"error,omitempty"`
}

type BulkReport struct {
	Results   []BulkItem `json:"results"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
}

// BulkSetTags adds tags to every listed work, or replaces the existing tags
// when replace is set.
func (s *Service) BulkSetTags(admin session.User, workIDs, tags []string, replace bool) (BulkReport, error) {
	clean := cleanValues(tags)
	if len(clean) == 0 && !replace {
		return BulkReport{}, validationError("tags are required")
	}
	return s.bulkUpdate(admin, workIDs, "tags", func(meta *catalog.WorkMetadata) {
		if replace {
			meta.Taxonomy.Tags = clean
			return
		}
		meta.Taxonomy.Tags = catalog.MergeTags(meta.Taxonomy.Tags, clean)
	})
}

func (s *Service) BulkSetGenre(admin session.User, workIDs []string, genre string) (BulkReport, error) {
	genre = strings.TrimSpace(genre)
	return s.bulkUpdate(admin, workIDs, "genre", func(meta *catalog.WorkMetadata) {
		meta.Taxonomy.Genre = genre
	})
}

// BulkSetCollection moves works to the collection path, outermost first.
func (s *Service) BulkSetCollection(admin session.User, workIDs, collection []string) (BulkReport, error) {
	path := cleanValues(collection)
	return s.bulkUpdate(admin, workIDs, "collection", func(meta *catalog.WorkMetadata) {
		meta.Collection = path
	})
}

// bulkUpdate applies mutate to each work in turn. A failing work is reported
// and the batch carries on.
func (s *Service) bulkUpdate(admin session.User, workIDs []string, field string, mutate func(*catalog.WorkMetadata)) (BulkReport, error) {
	if len(workIDs) == 0 {
		return BulkReport{}, validationError("work_ids are required")
	}
	report := BulkReport{Results: make([]BulkItem, 0, len(workIDs))}
	for _, workID := range workIDs {
		item := BulkItem{WorkID: workID}
		hash, err := s.updateMetadata(admin, workID, field, mutate)
		if err != nil {
			item.Error = err.Error()
			report.Failed++
		} else {
			item.OK = true
			item.Commit = hash
			report.Succeeded++
			s.syncWork(workID)
		}
		report.Results = append(report.Results, item)
	}
	slog.Info("app: bulk metadata update", "field", field, "by", admin.Username, "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

func (s *Service) updateMetadata(admin session.User, workID, field string, mutate func(*catalog.WorkMetadata)) (string, error) {
	if _, err := s.catalog.WorkDir(workID); err != nil {
		return "", err
	}
	unlock := s.catalog.LockMetadata(workID)
	defer unlock()

	meta, err := s.catalog.MetadataOrDefault(workID)
	if err != nil {
		return "", err
	}
	mutate(&meta)
	content, err := catalog.EncodeWorkMetadata(meta)
	if err != nil {
		return "", err
	}
	path := catalog.MetadataPath(workID)
	commit, err := s.git.Commit(path, content, admin.Username, fmt.Sprintf("Set %s of %s", field, workID))
	if err != nil {
		return "", &IntegrityError{Path: path, Err: err}
	}
	return commit.Hash, nil
}

func cleanValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
