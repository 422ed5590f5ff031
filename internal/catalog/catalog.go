// Package catalog is the on-disk layout of works: one directory per work
// holding page images, their plain-text transcriptions and annotation records,
// plus a work-level metadata.json.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"scriptorium/api/internal/util"
)

const MetadataFile = "metadata.json"

var (
	ErrInvalidWorkID = errors.New("invalid work id")
	ErrWorkNotFound  = errors.New("work not found")
	ErrPageNotFound  = errors.New("page not found")
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// Page statuses as stored in annotation records.
const (
	StatusDraft      = "draft"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

type Page struct {
	WorkID string `json:"work_id"`
	Number int    `json:"page_number"`
	Image  string `json:"image"`
	Stem   string `json:"-"`
}

// TextPath is the transcription path relative to the data root, slash separated.
func (p Page) TextPath() string {
	return path.Join(p.WorkID, p.Stem+".txt")
}

func (p Page) AnnotationPath() string {
	return path.Join(p.WorkID, p.Stem+".json")
}

type Comment struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

type StatusChange struct {
	Status string    `json:"status"`
	By     string    `json:"by"`
	At     time.Time `json:"at"`
}

// Annotation is the per-page record stored beside the transcription.
type Annotation struct {
	Status   string         `json:"status"`
	Tags     []string       `json:"tags,omitempty"`
	Comments []Comment      `json:"comments,omitempty"`
	History  []StatusChange `json:"history,omitempty"`
}

type Catalog struct {
	root      string
	metaLocks *util.KeyedMutex
	textLocks *util.KeyedMutex
}

func New(root string) *Catalog {
	return &Catalog{
		root:      root,
		metaLocks: util.NewKeyedMutex(),
		textLocks: util.NewKeyedMutex(),
	}
}

func (c *Catalog) Root() string {
	return c.root
}

// ValidateWorkID accepts a single visible path segment.
func ValidateWorkID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: empty", ErrInvalidWorkID)
	case strings.HasPrefix(id, "."):
		return fmt.Errorf("%w: %q", ErrInvalidWorkID, id)
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q", ErrInvalidWorkID, id)
	}
	return nil
}

func (c *Catalog) WorkDir(workID string) (string, error) {
	if err := ValidateWorkID(workID); err != nil {
		return "", err
	}
	dir := filepath.Join(c.root, workID)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return "", fmt.Errorf("%w: %s", ErrWorkNotFound, workID)
	}
	if err != nil {
		return "", fmt.Errorf("stat work dir: %w", err)
	}
	return dir, nil
}

// ListWorks returns the work directories under the data root, sorted.
func (c *Catalog) ListWorks() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("read data root: %w", err)
	}
	works := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateWorkID(entry.Name()) != nil {
			continue
		}
		works = append(works, entry.Name())
	}
	sort.Strings(works)
	return works, nil
}

// Pages lists page images sorted by file name and numbered from 1.
func (c *Catalog) Pages(workID string) ([]Page, error) {
	dir, err := c.WorkDir(workID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read work dir: %w", err)
	}
	images := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			images = append(images, entry.Name())
		}
	}
	sort.Strings(images)

	pages := make([]Page, len(images))
	for i, name := range images {
		pages[i] = Page{
			WorkID: workID,
			Number: i + 1,
			Image:  name,
			Stem:   strings.TrimSuffix(name, filepath.Ext(name)),
		}
	}
	return pages, nil
}

func (c *Catalog) Page(workID string, number int) (Page, error) {
	pages, err := c.Pages(workID)
	if err != nil {
		if errors.Is(err, ErrWorkNotFound) {
			return Page{}, fmt.Errorf("%w: %s page %d", ErrPageNotFound, workID, number)
		}
		return Page{}, err
	}
	if number < 1 || number > len(pages) {
		return Page{}, fmt.Errorf("%w: %s page %d", ErrPageNotFound, workID, number)
	}
	return pages[number-1], nil
}

// ReadText returns the page transcription; an absent file reads as "".
func (c *Catalog) ReadText(p Page) (string, error) {
	raw, err := os.ReadFile(c.abs(p.TextPath()))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read page text: %w", err)
	}
	return string(raw), nil
}

// ReadAnnotation returns the page record, defaulting to draft.
func (c *Catalog) ReadAnnotation(p Page) (Annotation, error) {
	ann := Annotation{Status: StatusDraft}
	raw, err := os.ReadFile(c.abs(p.AnnotationPath()))
	if errors.Is(err, os.ErrNotExist) {
		return ann, nil
	}
	if err != nil {
		return ann, fmt.Errorf("read annotation: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return ann, nil
	}
	if err := json.Unmarshal(raw, &ann); err != nil {
		return Annotation{Status: StatusDraft}, fmt.Errorf("decode annotation %s: %w", p.AnnotationPath(), err)
	}
	if ann.Status == "" {
		ann.Status = StatusDraft
	}
	return ann, nil
}

// LockMetadata serializes read-modify-write of one work's metadata.json.
func (c *Catalog) LockMetadata(workID string) func() {
	return c.metaLocks.Lock(workID)
}

// LockText serializes read-modify-write of one page transcription.
func (c *Catalog) LockText(workID string, page int) func() {
	return c.textLocks.Lock(workID + "#" + strconv.Itoa(page))
}

func MetadataPath(workID string) string {
	return path.Join(workID, MetadataFile)
}

func (c *Catalog) HasMetadata(workID string) bool {
	_, err := os.Stat(c.abs(MetadataPath(workID)))
	return err == nil
}

// ReadMetadata loads and migrates a work's metadata. ok is false when the
// file does not exist.
func (c *Catalog) ReadMetadata(workID string) (WorkMetadata, bool, error) {
	if _, err := c.WorkDir(workID); err != nil {
		return WorkMetadata{}, false, err
	}
	raw, err := os.ReadFile(c.abs(MetadataPath(workID)))
	if errors.Is(err, os.ErrNotExist) {
		return WorkMetadata{}, false, nil
	}
	if err != nil {
		return WorkMetadata{}, false, fmt.Errorf("read metadata: %w", err)
	}
	meta, err := DecodeWorkMetadata(raw)
	if err != nil {
		return WorkMetadata{}, false, fmt.Errorf("decode metadata for %s: %w", workID, err)
	}
	return meta, true, nil
}

// MetadataOrDefault falls back to metadata synthesized from the directory name.
func (c *Catalog) MetadataOrDefault(workID string) (WorkMetadata, error) {
	meta, ok, err := c.ReadMetadata(workID)
	if err != nil {
		return WorkMetadata{}, err
	}
	if !ok {
		return DefaultWorkMetadata(workID), nil
	}
	if meta.ShortID == "" {
		meta.ShortID = ShortID(workID)
	}
	return meta, nil
}

// LastModified is the newest modification time among the work dir and its
// direct entries.
func (c *Catalog) LastModified(workID string) (time.Time, error) {
	dir, err := c.WorkDir(workID)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat work dir: %w", err)
	}
	latest := info.ModTime()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, fmt.Errorf("read work dir: %w", err)
	}
	for _, entry := range entries {
		entryInfo, err := entry.Info()
		if err != nil {
			continue
		}
		if entryInfo.ModTime().After(latest) {
			latest = entryInfo.ModTime()
		}
	}
	return latest, nil
}

func (c *Catalog) abs(rel string) string {
	return filepath.Join(c.root, filepath.FromSlash(rel))
}
