package catalog

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupStampLayout = "20060102-150405"

var ErrBackupNotFound = errors.New("backup not found")

// Backup is a legacy timestamp-suffixed copy of a page transcription,
// named "<stem>.txt.<YYYYMMDD-HHMMSS>.bak".
type Backup struct {
	Name       string    `json:"name"`
	CapturedAt time.Time `json:"captured_at"`
	Size       int64     `json:"size"`
}

// Backups lists a page's legacy copies oldest first.
func (c *Catalog) Backups(p Page) ([]Backup, error) {
	dir, err := c.WorkDir(p.WorkID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read work dir: %w", err)
	}
	prefix := p.Stem + ".txt."
	backups := make([]Backup, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".bak") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bak")
		captured, err := time.ParseInLocation(backupStampLayout, stamp, time.UTC)
		if err != nil {
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		backups = append(backups, Backup{Name: name, CapturedAt: captured, Size: size})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CapturedAt.Before(backups[j].CapturedAt)
	})
	return backups, nil
}

// ReadBackup returns the content of one named backup of p.
func (c *Catalog) ReadBackup(p Page, name string) (string, error) {
	if name != filepath.Base(name) || !strings.HasPrefix(name, p.Stem+".txt.") || !strings.HasSuffix(name, ".bak") {
		return "", fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}
	raw, err := os.ReadFile(c.abs(path.Join(p.WorkID, name)))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read backup: %w", err)
	}
	return string(raw), nil
}
