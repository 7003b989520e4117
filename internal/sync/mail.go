package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/crm-sync/internal/metrics"
)

// infraError marks failures of our own infrastructure (state store, sink).
// These propagate to the queue for retry; everything else is a per-user
// domain error recorded in SyncState.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func infra(err error) error {
	if err == nil {
		return nil
	}
	return &infraError{err: err}
}

func isInfra(err error) bool {
	var ie *infraError
	return errors.As(err, &ie)
}

// MailEngine runs the per-user mail sync state machine:
// pending -> syncing -> {completed | error}, re-entered every run.
type MailEngine struct {
	States    StateStore
	Sink      ActivitySink
	Resolver  *Resolver
	Lookback  time.Duration // initial import window
	PagePause time.Duration // pause between provider pages

	now func() time.Time
}

// NewMailEngine creates a mail engine with a 90-day initial lookback
func NewMailEngine(states StateStore, sink ActivitySink, contacts ContactDirectory) *MailEngine {
	return &MailEngine{
		States:    states,
		Sink:      sink,
		Resolver:  NewResolver(contacts, SourceMail),
		Lookback:  90 * 24 * time.Hour,
		PagePause: 500 * time.Millisecond,
		now:       time.Now,
	}
}

// Run executes one sync run for the credential's user. Provider and domain
// errors are recorded in SyncState and not returned, so a fan-out caller can
// continue with other users; only infrastructure errors are returned.
func (e *MailEngine) Run(ctx context.Context, cred *Credential, provider MailProvider) error {
	st, err := e.States.GetSyncState(ctx, cred.UserID, SourceMail)
	if err != nil {
		return fmt.Errorf("load sync state for %s: %w", cred.UserID, err)
	}
	if st == nil {
		st = &SyncState{UserID: cred.UserID, TenantID: cred.TenantID, Source: SourceMail, Status: StatusPending}
	}
	st.TenantID = cred.TenantID
	st.Status = StatusSyncing
	if err := e.States.SaveSyncState(ctx, st); err != nil {
		return fmt.Errorf("save sync state for %s: %w", cred.UserID, err)
	}

	runErr := e.runSync(ctx, cred, provider, st)
	if runErr != nil {
		if isInfra(runErr) {
			return runErr
		}
		st.Status = StatusError
		st.ErrorCount++
		st.LastError = runErr.Error()
		metrics.UserSyncError(string(SourceMail))
		log.Printf("mail sync error for user %s: %v", cred.UserID, runErr)
		if err := e.States.SaveSyncState(ctx, st); err != nil {
			return fmt.Errorf("save error state for %s: %w", cred.UserID, err)
		}
		return nil
	}

	now := e.now()
	st.Status = StatusCompleted
	st.LastSyncAt = &now
	st.ErrorCount = 0
	st.LastError = ""
	if err := e.States.SaveSyncState(ctx, st); err != nil {
		return fmt.Errorf("save completed state for %s: %w", cred.UserID, err)
	}
	return nil
}

func (e *MailEngine) runSync(ctx context.Context, cred *Credential, provider MailProvider, st *SyncState) error {
	if !st.InitialImportCompleted {
		return e.initialImport(ctx, cred, provider, st)
	}

	cp, err := provider.IncrementalSync(ctx, Checkpoint{Cursor: st.Cursor}, e.pageFunc(ctx, cred, st))
	if err != nil {
		if errors.Is(err, ErrCursorExpired) {
			// The user is not skipped: reset and run a fresh full import now.
			log.Printf("mail cursor expired for user %s, falling back to full import", cred.UserID)
			st.InitialImportCompleted = false
			st.Cursor = ""
			if serr := e.States.SaveSyncState(ctx, st); serr != nil {
				return infra(serr)
			}
			return e.initialImport(ctx, cred, provider, st)
		}
		return err
	}
	if cp != nil && cp.Cursor != "" {
		st.Cursor = cp.Cursor
	}
	return nil
}

func (e *MailEngine) initialImport(ctx context.Context, cred *Credential, provider MailProvider, st *SyncState) error {
	log.Printf("starting mail initial import for user %s (lookback %s)", cred.UserID, e.Lookback)
	cp, err := provider.InitialBackfill(ctx, e.Lookback, e.pageFunc(ctx, cred, st))
	if err != nil {
		return err
	}
	st.InitialImportCompleted = true
	if cp != nil {
		st.Cursor = cp.Cursor
	}
	return nil
}

// pageFunc ingests one provider page and checkpoints progress after it, so a
// retried job resumes with recordsSynced intact rather than from scratch.
func (e *MailEngine) pageFunc(ctx context.Context, cred *Credential, st *SyncState) MessagePageFunc {
	return func(msgs []MessageMeta) error {
		for _, m := range msgs {
			if err := e.ingest(ctx, cred, m); err != nil {
				return err
			}
		}
		st.RecordsSynced += int64(len(msgs))
		if err := e.States.SaveSyncState(ctx, st); err != nil {
			return infra(err)
		}
		metrics.AddRecordsSynced(string(SourceMail), len(msgs))
		return e.pause(ctx)
	}
}

func (e *MailEngine) pause(ctx context.Context) error {
	if e.PagePause <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return infra(ctx.Err())
	case <-time.After(e.PagePause):
		return nil
	}
}

// ingest maps one message to an Activity. Re-processing a known external id
// is a no-op, never a duplicate insert.
func (e *MailEngine) ingest(ctx context.Context, cred *Credential, m MessageMeta) error {
	existing, err := e.Sink.FindActivityByExternalID(ctx, cred.TenantID, m.ExternalID)
	if err != nil {
		return infra(err)
	}
	if existing != nil {
		return nil
	}

	email, nameHint := mailCounterparty(cred.AccountEmail, m)
	var contactID string
	if email != "" {
		contact, err := e.Resolver.Resolve(ctx, cred.TenantID, email, nameHint)
		if err != nil {
			return infra(err)
		}
		if contact != nil {
			contactID = contact.ID
		}
	}

	act := &Activity{
		ID:         uuid.NewString(),
		TenantID:   cred.TenantID,
		ExternalID: m.ExternalID,
		Source:     SourceMail,
		Type:       "email",
		Title:      m.Subject,
		OccurredAt: m.Date,
		ContactID:  contactID,
		Metadata: map[string]any{
			"threadId": m.ThreadID,
			"sender":   m.Sender,
			"to":       m.To,
			"cc":       m.Cc,
			"snippet":  m.Snippet,
		},
	}
	if err := e.Sink.CreateActivity(ctx, act); err != nil {
		return infra(err)
	}

	if contactID != "" && !m.Date.IsZero() {
		if err := e.Resolver.Contacts.TouchContact(ctx, contactID, m.Date); err != nil {
			return infra(err)
		}
	}
	return nil
}

// mailCounterparty picks the external party of a message: the sender for
// inbound mail, the first non-owner recipient for mail the owner sent.
func mailCounterparty(ownerEmail string, m MessageMeta) (email, nameHint string) {
	owner := strings.ToLower(strings.TrimSpace(ownerEmail))
	sender := strings.ToLower(strings.TrimSpace(m.Sender))
	if sender != "" && sender != owner {
		return sender, m.SenderName
	}
	for _, to := range m.To {
		to = strings.ToLower(strings.TrimSpace(to))
		if to != "" && to != owner {
			return to, ""
		}
	}
	return "", ""
}
