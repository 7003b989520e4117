package sync

import (
	"context"
	"errors"
	"time"
)

// ErrCursorExpired signals the provider no longer accepts the stored cursor
// and a full re-import is required. Adapters return it (wrapped) instead of
// falling back themselves; the engine owns the fallback.
var ErrCursorExpired = errors.New("sync cursor expired")

// MessageMeta represents normalized email metadata across providers
type MessageMeta struct {
	ExternalID string
	ThreadID   string
	Subject    string
	Sender     string // bare address
	SenderName string // display name, may be empty
	To         []string
	Cc         []string
	Snippet    string
	Date       time.Time
}

// Attendee is one calendar event participant
type Attendee struct {
	Email     string
	Name      string
	Organizer bool
}

// EventMeta represents normalized calendar event metadata
type EventMeta struct {
	ExternalID    string
	Title         string
	Start         time.Time
	End           time.Time
	AllDay        bool
	Location      string
	ConferenceURL string
	Attendees     []Attendee
}

// Checkpoint is an opaque provider-issued sync position
type Checkpoint struct {
	Cursor string
}

// MessagePageFunc receives one provider page of messages, in provider order.
// Returning an error aborts the run.
type MessagePageFunc func(msgs []MessageMeta) error

// EventPageFunc receives one provider page of calendar events
type EventPageFunc func(events []EventMeta) error

// MailProvider is the provider-agnostic mail source
type MailProvider interface {
	// InitialBackfill imports all messages newer than the lookback window,
	// page by page, and returns the cursor to resume from.
	InitialBackfill(ctx context.Context, lookback time.Duration, fn MessagePageFunc) (*Checkpoint, error)

	// IncrementalSync fetches changes since the checkpoint. Returns
	// ErrCursorExpired (wrapped) when the cursor is no longer valid.
	IncrementalSync(ctx context.Context, cp Checkpoint, fn MessagePageFunc) (*Checkpoint, error)
}

// CalendarProvider scans events inside a time window
type CalendarProvider interface {
	ListEvents(ctx context.Context, from, to time.Time, fn EventPageFunc) error
}

// StateStore persists per-user, per-source sync progress
type StateStore interface {
	// GetSyncState returns the state row, or nil when none exists yet
	GetSyncState(ctx context.Context, userID string, source Source) (*SyncState, error)
	SaveSyncState(ctx context.Context, st *SyncState) error
}

// ActivitySink is the persistence surface for ingested activities
type ActivitySink interface {
	// FindActivityByExternalID returns nil when no activity exists
	FindActivityByExternalID(ctx context.Context, tenantID, externalID string) (*Activity, error)
	CreateActivity(ctx context.Context, a *Activity) error
	UpdateActivity(ctx context.Context, a *Activity) error
}

// ContactDirectory is the persistence surface for contact resolution
type ContactDirectory interface {
	FindContactByEmail(ctx context.Context, tenantID, email string) (*Contact, error)
	// CreateContact inserts c; on a concurrent duplicate it returns the
	// already-existing row.
	CreateContact(ctx context.Context, c *Contact) (*Contact, error)
	FindOrCreateCompany(ctx context.Context, tenantID, domain, name string) (*Company, error)
	// TouchContact advances last_contacted_at, never moving it backward
	TouchContact(ctx context.Context, contactID string, at time.Time) error
}
