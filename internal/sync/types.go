package sync

import (
	"encoding/json"
	"time"
)

// Source identifies a sync data source
type Source string

const (
	SourceMail     Source = "email"
	SourceCalendar Source = "calendar"
)

// Topic returns the queue topic for a source
func (s Source) Topic() string {
	switch s {
	case SourceCalendar:
		return "calendar-sync"
	default:
		return "email-sync"
	}
}

// ParseSource maps a topic or source name back to a Source
func ParseSource(s string) (Source, bool) {
	switch s {
	case "email", "email-sync":
		return SourceMail, true
	case "calendar", "calendar-sync":
		return SourceCalendar, true
	}
	return "", false
}

// Sync status values
const (
	StatusPending   = "pending"
	StatusSyncing   = "syncing"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// SyncState tracks per-user, per-source sync progress
type SyncState struct {
	UserID                 string     `json:"userId"`
	TenantID               string     `json:"tenantId"`
	Source                 Source     `json:"source"`
	Cursor                 string     `json:"cursor,omitempty"`
	InitialImportCompleted bool       `json:"initialImportCompleted"`
	RecordsSynced          int64      `json:"recordsSynced"`
	Status                 string     `json:"status"`
	ErrorCount             int        `json:"errorCount"`
	LastError              string     `json:"lastError,omitempty"`
	LastSyncAt             *time.Time `json:"lastSyncAt,omitempty"`
}

// Credential is an OAuth integration credential for one user and source.
// Token fields are rewritten by the refresh path independently of sync-state
// writes; the engine never persists them itself.
type Credential struct {
	UserID       string
	TenantID     string
	Provider     string // "google" | "microsoft"
	Source       Source
	AccountEmail string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	IsActive     bool
}

// Activity is one ingested unit of external data, keyed by (tenantId, externalId)
type Activity struct {
	ID              string
	TenantID        string
	ExternalID      string
	Source          Source
	Type            string // "email" | "meeting"
	Title           string
	OccurredAt      time.Time
	DurationMinutes int
	ContactID       string
	Metadata        map[string]any
}

// MetadataJSON serializes the metadata blob for storage
func (a *Activity) MetadataJSON() string {
	if len(a.Metadata) == 0 {
		return ""
	}
	b, _ := json.Marshal(a.Metadata)
	return string(b)
}

// Contact is a CRM contact keyed by (tenantId, email)
type Contact struct {
	ID              string
	TenantID        string
	Email           string
	FirstName       string
	LastName        string
	CompanyID       string
	Source          string
	ConfidenceScore float64
	LastContactedAt *time.Time
}

// Company is keyed by (tenantId, domain)
type Company struct {
	ID       string
	TenantID string
	Domain   string
	Name     string
}

// Job is the queue message body, stable across both sources.
// Absence of Type means a targeted job; UserID/TenantID are then mandatory.
type Job struct {
	UserID          string `json:"userId,omitempty"`
	TenantID        string `json:"tenantId,omitempty"`
	IsInitialImport bool   `json:"isInitialImport,omitempty"`
	Type            string `json:"type,omitempty"`
}

// JobTypePeriodic marks a periodic fan-out job
const JobTypePeriodic = "periodic"
