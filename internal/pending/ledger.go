// Package pending keeps the queue of proposed transcription edits awaiting
// review. Records move pending -> approved or pending -> rejected and never
// change again afterwards.
package pending

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"scriptorium/api/internal/store"
	"scriptorium/api/internal/util"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

var (
	ErrNotFound        = errors.New("pending edit not found")
	ErrAlreadyReviewed = errors.New("pending edit already reviewed")
	ErrInvalidEdit     = errors.New("invalid pending edit")
)

type Edit struct {
	ID            string     `json:"id"`
	WorkID        string     `json:"work_id"`
	PageNumber    int        `json:"page_number"`
	SubmittedBy   string     `json:"submitted_by"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	OriginalText  string     `json:"original_text"`
	ProposedText  string     `json:"proposed_text"`
	BaseTextHash  string     `json:"base_text_hash"`
	Status        string     `json:"status"`
	HasConflict   bool       `json:"has_conflict"`
	ReviewedBy    string     `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	ReviewComment string     `json:"review_comment,omitempty"`
}

func (e Edit) samePage(workID string, page int) bool {
	return e.WorkID == workID && e.PageNumber == page
}

// File is the on-disk shape of the ledger.
type File struct {
	Edits []Edit `json:"edits"`
}

// CheckResult is the caller's view of a page's pending queue.
type CheckResult struct {
	Own          *Edit `json:"own,omitempty"`
	OtherPending int   `json:"other_pending_count"`
}

type Ledger struct {
	file  *store.JSONFile[File]
	now   func() time.Time
	newID func() string
}

func NewLedger(file *store.JSONFile[File]) *Ledger {
	return &Ledger{
		file:  file,
		now:   time.Now,
		newID: func() string { return util.NewID("edit") },
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// HashText is the fingerprint stored as an edit's base text hash.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Submit records a proposal. A pending edit by the same user for the same
// page is replaced in place and keeps its id. Submissions racing another
// user's pending edit are accepted and flagged as conflicting. The returned
// count is the number of other users' pending edits for the page.
func (l *Ledger) Submit(workID string, page int, user, originalText, proposedText string) (Edit, int, error) {
	if strings.TrimSpace(workID) == "" || page < 1 || strings.TrimSpace(user) == "" {
		return Edit{}, 0, fmt.Errorf("%w: work, page and user are required", ErrInvalidEdit)
	}

	var (
		result Edit
		others int
	)
	err := l.file.Update(func(f *File) error {
		now := l.now().UTC()
		own := -1
		others = 0
		for i, e := range f.Edits {
			if e.Status != StatusPending || !e.samePage(workID, page) {
				continue
			}
			if e.SubmittedBy == user {
				own = i
			} else {
				others++
			}
		}

		edit := Edit{
			ID:           l.newID(),
			WorkID:       workID,
			PageNumber:   page,
			SubmittedBy:  user,
			SubmittedAt:  now,
			OriginalText: originalText,
			ProposedText: proposedText,
			BaseTextHash: HashText(originalText),
			Status:       StatusPending,
			HasConflict:  others > 0,
		}
		if own >= 0 {
			edit.ID = f.Edits[own].ID
			f.Edits[own] = edit
		} else {
			f.Edits = append(f.Edits, edit)
		}
		result = edit
		return nil
	})
	if err != nil {
		return Edit{}, 0, err
	}
	return result, others, nil
}

// ListPending returns all pending edits, newest first.
func (l *Ledger) ListPending() ([]Edit, error) {
	f, err := l.file.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Edit, 0, len(f.Edits))
	for _, e := range f.Edits {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out, nil
}

// Check returns the caller's own pending edit for a page and the number of
// other users' pending edits for it.
func (l *Ledger) Check(workID string, page int, user string) (CheckResult, error) {
	f, err := l.file.Load()
	if err != nil {
		return CheckResult{}, err
	}
	var res CheckResult
	for _, e := range f.Edits {
		if e.Status != StatusPending || !e.samePage(workID, page) {
			continue
		}
		if e.SubmittedBy == user {
			own := e
			res.Own = &own
			continue
		}
		res.OtherPending++
	}
	return res, nil
}

func (l *Ledger) Get(id string) (Edit, error) {
	f, err := l.file.Load()
	if err != nil {
		return Edit{}, err
	}
	for _, e := range f.Edits {
		if e.ID == id {
			return e, nil
		}
	}
	return Edit{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Approve marks a pending edit approved after apply succeeds. apply runs
// while the ledger is locked, so concurrent reviews of one edit cannot both
// apply it. If apply fails the edit stays pending.
func (l *Ledger) Approve(id, reviewer, comment string, apply func(Edit) error) (Edit, error) {
	return l.review(id, StatusApproved, reviewer, comment, apply)
}

// Reject marks a pending edit rejected. Nothing on disk besides the ledger
// changes.
func (l *Ledger) Reject(id, reviewer, comment string) (Edit, error) {
	return l.review(id, StatusRejected, reviewer, comment, nil)
}

func (l *Ledger) review(id, status, reviewer, comment string, apply func(Edit) error) (Edit, error) {
	var result Edit
	err := l.file.Update(func(f *File) error {
		idx := -1
		for i := range f.Edits {
			if f.Edits[i].ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		edit := f.Edits[idx]
		if edit.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyReviewed, id, edit.Status)
		}
		if apply != nil {
			if err := apply(edit); err != nil {
				return err
			}
		}
		reviewedAt := l.now().UTC()
		edit.Status = status
		edit.ReviewedBy = reviewer
		edit.ReviewedAt = &reviewedAt
		edit.ReviewComment = strings.TrimSpace(comment)
		f.Edits[idx] = edit
		result = edit
		return nil
	})
	if err != nil {
		return Edit{}, err
	}
	return result, nil
}
