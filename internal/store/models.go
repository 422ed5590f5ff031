package store

import "time"

type User struct {
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registration is a self-service account request awaiting an admin.
type Registration struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email,omitempty"`
	Message     string     `json:"message,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ReviewedBy  string     `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
}

// Invite is keyed by the hash of the token handed to the invitee.
type Invite struct {
	TokenHash      string     `json:"token_hash"`
	Username       string     `json:"username"`
	DisplayName    string     `json:"display_name"`
	Role           string     `json:"role"`
	RegistrationID string     `json:"registration_id,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RedeemedAt     *time.Time `json:"redeemed_at,omitempty"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"short_hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Parents   []string  `json:"parents,omitempty"`
	Baseline  bool      `json:"baseline,omitempty"`
}

// GitFailure records a commit that did not persist.
type GitFailure struct {
	At        time.Time `json:"at"`
	Operation string    `json:"operation"`
	Path      string    `json:"path"`
	Author    string    `json:"author,omitempty"`
	Error     string    `json:"error"`
}
