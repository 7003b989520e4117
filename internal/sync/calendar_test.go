package sync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testCalendarEngine() (*CalendarEngine, *fakeStateStore, *fakeSink, *fakeDirectory) {
	states := newFakeStateStore()
	sink := newFakeSink()
	dir := newFakeDirectory()
	e := NewCalendarEngine(states, sink, dir)
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e, states, sink, dir
}

func testCalendarCred() *Credential {
	return &Credential{
		UserID: "u1", TenantID: "t1", Provider: "google",
		Source: SourceCalendar, AccountEmail: "owner@acme.com", IsActive: true,
	}
}

func meeting(id string) EventMeta {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return EventMeta{
		ExternalID: id,
		Title:      "Quarterly review",
		Start:      start,
		End:        start.Add(45 * time.Minute),
		Location:   "Room 4",
		Attendees: []Attendee{
			{Email: "owner@acme.com", Name: "Owner"},
			{Email: "bob@initech.com", Name: "Bob Porter"},
		},
	}
}

func TestCalendarIngestsExternalMeeting(t *testing.T) {
	e, states, sink, dir := testCalendarEngine()
	provider := &fakeCalendarProvider{pages: [][]EventMeta{{meeting("ev-1")}}}

	if err := e.Run(context.Background(), testCalendarCred(), provider); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	act := sink.activities[activityKey("t1", "ev-1")]
	if act == nil {
		t.Fatal("activity not created")
	}
	if act.Type != "meeting" {
		t.Errorf("type = %q, want meeting", act.Type)
	}
	if act.DurationMinutes != 45 {
		t.Errorf("duration = %d, want 45", act.DurationMinutes)
	}
	if act.ContactID == "" {
		t.Error("activity not linked to the external attendee's contact")
	}
	contact := dir.contactByEmail("t1", "bob@initech.com")
	if contact == nil {
		t.Fatal("external attendee not resolved to a contact")
	}
	if contact.Source != "calendar_sync" {
		t.Errorf("contact provenance = %q, want calendar_sync", contact.Source)
	}

	st := states.states[stateKey("u1", SourceCalendar)]
	if st == nil || st.Status != StatusCompleted {
		t.Fatalf("state = %+v, want completed", st)
	}
	if st.RecordsSynced != 1 {
		t.Errorf("recordsSynced = %d, want 1", st.RecordsSynced)
	}
}

func TestCalendarSkipsAllDayEvents(t *testing.T) {
	e, states, sink, _ := testCalendarEngine()
	ev := meeting("ev-allday")
	ev.AllDay = true
	provider := &fakeCalendarProvider{pages: [][]EventMeta{{ev}}}

	if err := e.Run(context.Background(), testCalendarCred(), provider); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(sink.activities) != 0 {
		t.Errorf("activities = %d, want 0", len(sink.activities))
	}
	if st := states.states[stateKey("u1", SourceCalendar)]; st.RecordsSynced != 0 {
		t.Errorf("recordsSynced = %d, want 0", st.RecordsSynced)
	}
}

func TestCalendarSkipsInternalOnlyMeetings(t *testing.T) {
	e, _, sink, dir := testCalendarEngine()
	ev := meeting("ev-internal")
	ev.Attendees = []Attendee{{Email: "owner@acme.com"}}
	provider := &fakeCalendarProvider{pages: [][]EventMeta{{ev}}}

	if err := e.Run(context.Background(), testCalendarCred(), provider); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(sink.activities) != 0 {
		t.Errorf("activities = %d, want 0", len(sink.activities))
	}
	if len(dir.contacts) != 0 {
		t.Errorf("contacts = %d, want 0", len(dir.contacts))
	}
}

func TestCalendarUpdatesRenamedEvent(t *testing.T) {
	e, _, sink, _ := testCalendarEngine()
	cred := testCalendarCred()

	first := &fakeCalendarProvider{pages: [][]EventMeta{{meeting("ev-2")}}}
	if err := e.Run(context.Background(), cred, first); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	renamed := meeting("ev-2")
	renamed.Title = "Quarterly review (moved)"
	second := &fakeCalendarProvider{pages: [][]EventMeta{{renamed}}}
	if err := e.Run(context.Background(), cred, second); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	act := sink.activities[activityKey("t1", "ev-2")]
	if act.Title != "Quarterly review (moved)" {
		t.Errorf("title = %q, rename not applied", act.Title)
	}
	if sink.creates != 1 {
		t.Errorf("creates = %d, want 1; rescan must not duplicate", sink.creates)
	}
	if sink.updates != 1 {
		t.Errorf("updates = %d, want 1", sink.updates)
	}
}

func TestCalendarProviderErrorIsRecorded(t *testing.T) {
	e, states, _, _ := testCalendarEngine()
	provider := &fakeCalendarProvider{err: errors.New("insufficient scopes")}

	if err := e.Run(context.Background(), testCalendarCred(), provider); err != nil {
		t.Fatalf("provider errors must not propagate, got: %v", err)
	}

	st := states.states[stateKey("u1", SourceCalendar)]
	if st.Status != StatusError || st.ErrorCount != 1 || st.LastError == "" {
		t.Errorf("error not recorded: %+v", st)
	}
}

func TestCalendarScanWindow(t *testing.T) {
	e, _, _, _ := testCalendarEngine()
	e.WindowBack = 7 * 24 * time.Hour
	e.WindowForward = 14 * 24 * time.Hour

	var gotFrom, gotTo time.Time
	provider := &windowRecordingProvider{onList: func(from, to time.Time) {
		gotFrom, gotTo = from, to
	}}
	if err := e.Run(context.Background(), testCalendarCred(), provider); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	now := e.now()
	if !gotFrom.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Errorf("from = %v, want now-7d", gotFrom)
	}
	if !gotTo.Equal(now.Add(14 * 24 * time.Hour)) {
		t.Errorf("to = %v, want now+14d", gotTo)
	}
}

type windowRecordingProvider struct {
	onList func(from, to time.Time)
}

func (p *windowRecordingProvider) ListEvents(ctx context.Context, from, to time.Time, fn EventPageFunc) error {
	p.onList(from, to)
	return nil
}
