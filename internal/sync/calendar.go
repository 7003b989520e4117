package sync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/crm-sync/internal/metrics"
)

// CalendarEngine re-scans a sliding window every run instead of keeping a
// provider cursor. Events are mutable (reschedules, renames), so an existing
// activity with a changed title is updated in place.
type CalendarEngine struct {
	States   StateStore
	Sink     ActivitySink
	Resolver *Resolver
	WindowBack    time.Duration
	WindowForward time.Duration

	now func() time.Time
}

// NewCalendarEngine creates a calendar engine scanning 30 days back and forward
func NewCalendarEngine(states StateStore, sink ActivitySink, contacts ContactDirectory) *CalendarEngine {
	return &CalendarEngine{
		States:        states,
		Sink:          sink,
		Resolver:      NewResolver(contacts, SourceCalendar),
		WindowBack:    30 * 24 * time.Hour,
		WindowForward: 30 * 24 * time.Hour,
		now:           time.Now,
	}
}

// Run executes one windowed scan for the credential's user. Error contract
// matches MailEngine.Run: domain errors land in SyncState, infrastructure
// errors are returned.
func (e *CalendarEngine) Run(ctx context.Context, cred *Credential, provider CalendarProvider) error {
	st, err := e.States.GetSyncState(ctx, cred.UserID, SourceCalendar)
	if err != nil {
		return fmt.Errorf("load sync state for %s: %w", cred.UserID, err)
	}
	if st == nil {
		st = &SyncState{UserID: cred.UserID, TenantID: cred.TenantID, Source: SourceCalendar, Status: StatusPending}
	}
	st.TenantID = cred.TenantID
	st.Status = StatusSyncing
	if err := e.States.SaveSyncState(ctx, st); err != nil {
		return fmt.Errorf("save sync state for %s: %w", cred.UserID, err)
	}

	now := e.now()
	runErr := e.scan(ctx, cred, provider, st, now.Add(-e.WindowBack), now.Add(e.WindowForward))
	if runErr != nil {
		if isInfra(runErr) {
			return runErr
		}
		st.Status = StatusError
		st.ErrorCount++
		st.LastError = runErr.Error()
		metrics.UserSyncError(string(SourceCalendar))
		log.Printf("calendar sync error for user %s: %v", cred.UserID, runErr)
		if err := e.States.SaveSyncState(ctx, st); err != nil {
			return fmt.Errorf("save error state for %s: %w", cred.UserID, err)
		}
		return nil
	}

	st.Status = StatusCompleted
	st.LastSyncAt = &now
	st.ErrorCount = 0
	st.LastError = ""
	if err := e.States.SaveSyncState(ctx, st); err != nil {
		return fmt.Errorf("save completed state for %s: %w", cred.UserID, err)
	}
	return nil
}

func (e *CalendarEngine) scan(ctx context.Context, cred *Credential, provider CalendarProvider, st *SyncState, from, to time.Time) error {
	return provider.ListEvents(ctx, from, to, func(events []EventMeta) error {
		ingested := 0
		for _, ev := range events {
			ok, err := e.ingest(ctx, cred, ev)
			if err != nil {
				return err
			}
			if ok {
				ingested++
			}
		}
		st.RecordsSynced += int64(ingested)
		if err := e.States.SaveSyncState(ctx, st); err != nil {
			return infra(err)
		}
		metrics.AddRecordsSynced(string(SourceCalendar), ingested)
		return nil
	})
}

// ingest maps one event to an Activity. All-day events and internal-only
// meetings produce no CRM signal and are skipped.
func (e *CalendarEngine) ingest(ctx context.Context, cred *Credential, ev EventMeta) (bool, error) {
	if ev.AllDay {
		return false, nil
	}
	external := externalAttendees(cred.AccountEmail, ev.Attendees)
	if len(external) == 0 {
		return false, nil
	}

	existing, err := e.Sink.FindActivityByExternalID(ctx, cred.TenantID, ev.ExternalID)
	if err != nil {
		return false, infra(err)
	}
	if existing != nil {
		if existing.Title != ev.Title {
			existing.Title = ev.Title
			if err := e.Sink.UpdateActivity(ctx, existing); err != nil {
				return false, infra(err)
			}
		}
		return false, nil
	}

	primary := external[0]
	var contactID string
	contact, err := e.Resolver.Resolve(ctx, cred.TenantID, primary.Email, primary.Name)
	if err != nil {
		return false, infra(err)
	}
	if contact != nil {
		contactID = contact.ID
	}

	duration := 0
	if ev.End.After(ev.Start) {
		duration = int(ev.End.Sub(ev.Start) / time.Minute)
	}

	attendeeEmails := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		attendeeEmails = append(attendeeEmails, a.Email)
	}

	act := &Activity{
		ID:              uuid.NewString(),
		TenantID:        cred.TenantID,
		ExternalID:      ev.ExternalID,
		Source:          SourceCalendar,
		Type:            "meeting",
		Title:           ev.Title,
		OccurredAt:      ev.Start,
		DurationMinutes: duration,
		ContactID:       contactID,
		Metadata: map[string]any{
			"location":      ev.Location,
			"attendees":     attendeeEmails,
			"conferenceUrl": ev.ConferenceURL,
		},
	}
	if err := e.Sink.CreateActivity(ctx, act); err != nil {
		return false, infra(err)
	}

	if contactID != "" && !ev.Start.IsZero() {
		if err := e.Resolver.Contacts.TouchContact(ctx, contactID, ev.Start); err != nil {
			return false, infra(err)
		}
	}
	return true, nil
}

// externalAttendees filters out the organizing user's own address
func externalAttendees(ownerEmail string, attendees []Attendee) []Attendee {
	owner := strings.ToLower(strings.TrimSpace(ownerEmail))
	var out []Attendee
	for _, a := range attendees {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" || email == owner {
			continue
		}
		out = append(out, a)
	}
	return out
}
