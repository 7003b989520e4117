package sync

import (
	"context"
	"fmt"
	"time"
)

// fakeStateStore keeps sync states in memory, cloning on both sides like a
// real database would
type fakeStateStore struct {
	states  map[string]*SyncState
	saveErr error
	saves   int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]*SyncState)}
}

func stateKey(userID string, source Source) string {
	return userID + "|" + string(source)
}

func (f *fakeStateStore) GetSyncState(ctx context.Context, userID string, source Source) (*SyncState, error) {
	st, ok := f.states[stateKey(userID, source)]
	if !ok {
		return nil, nil
	}
	clone := *st
	return &clone, nil
}

func (f *fakeStateStore) SaveSyncState(ctx context.Context, st *SyncState) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	clone := *st
	f.states[stateKey(st.UserID, st.Source)] = &clone
	return nil
}

// fakeSink stores activities keyed by (tenantId, externalId) with
// insert-if-absent semantics
type fakeSink struct {
	activities map[string]*Activity
	findErr    error
	creates    int
	updates    int
}

func newFakeSink() *fakeSink {
	return &fakeSink{activities: make(map[string]*Activity)}
}

func activityKey(tenantID, externalID string) string {
	return tenantID + "|" + externalID
}

func (f *fakeSink) FindActivityByExternalID(ctx context.Context, tenantID, externalID string) (*Activity, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	a, ok := f.activities[activityKey(tenantID, externalID)]
	if !ok {
		return nil, nil
	}
	clone := *a
	return &clone, nil
}

func (f *fakeSink) CreateActivity(ctx context.Context, a *Activity) error {
	key := activityKey(a.TenantID, a.ExternalID)
	if _, exists := f.activities[key]; exists {
		return nil
	}
	f.creates++
	clone := *a
	f.activities[key] = &clone
	return nil
}

func (f *fakeSink) UpdateActivity(ctx context.Context, a *Activity) error {
	f.updates++
	clone := *a
	f.activities[activityKey(a.TenantID, a.ExternalID)] = &clone
	return nil
}

// fakeDirectory is an in-memory ContactDirectory
type fakeDirectory struct {
	contacts  map[string]*Contact
	companies map[string]*Company
	nextID    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		contacts:  make(map[string]*Contact),
		companies: make(map[string]*Company),
	}
}

func (f *fakeDirectory) FindContactByEmail(ctx context.Context, tenantID, email string) (*Contact, error) {
	c, ok := f.contacts[tenantID+"|"+email]
	if !ok {
		return nil, nil
	}
	clone := *c
	return &clone, nil
}

func (f *fakeDirectory) CreateContact(ctx context.Context, c *Contact) (*Contact, error) {
	key := c.TenantID + "|" + c.Email
	if existing, ok := f.contacts[key]; ok {
		clone := *existing
		return &clone, nil
	}
	f.nextID++
	clone := *c
	clone.ID = fmt.Sprintf("contact-%d", f.nextID)
	f.contacts[key] = &clone
	out := clone
	return &out, nil
}

func (f *fakeDirectory) FindOrCreateCompany(ctx context.Context, tenantID, domain, name string) (*Company, error) {
	key := tenantID + "|" + domain
	if co, ok := f.companies[key]; ok {
		clone := *co
		return &clone, nil
	}
	f.nextID++
	co := &Company{ID: fmt.Sprintf("company-%d", f.nextID), TenantID: tenantID, Domain: domain, Name: name}
	f.companies[key] = co
	clone := *co
	return &clone, nil
}

func (f *fakeDirectory) TouchContact(ctx context.Context, contactID string, at time.Time) error {
	for _, c := range f.contacts {
		if c.ID == contactID {
			if c.LastContactedAt == nil || c.LastContactedAt.Before(at) {
				t := at
				c.LastContactedAt = &t
			}
			return nil
		}
	}
	return nil
}

func (f *fakeDirectory) contactByEmail(tenantID, email string) *Contact {
	return f.contacts[tenantID+"|"+email]
}

// fakeMailProvider replays scripted pages
type fakeMailProvider struct {
	backfillPages  [][]MessageMeta
	backfillCursor string
	backfillErr    error
	backfillCalls  int

	incrPages  [][]MessageMeta
	incrCursor string
	incrErr    error
	incrCalls  int
}

func (p *fakeMailProvider) InitialBackfill(ctx context.Context, lookback time.Duration, fn MessagePageFunc) (*Checkpoint, error) {
	p.backfillCalls++
	if p.backfillErr != nil {
		return nil, p.backfillErr
	}
	for _, page := range p.backfillPages {
		if err := fn(page); err != nil {
			return nil, err
		}
	}
	return &Checkpoint{Cursor: p.backfillCursor}, nil
}

func (p *fakeMailProvider) IncrementalSync(ctx context.Context, cp Checkpoint, fn MessagePageFunc) (*Checkpoint, error) {
	p.incrCalls++
	if p.incrErr != nil {
		return nil, p.incrErr
	}
	for _, page := range p.incrPages {
		if err := fn(page); err != nil {
			return nil, err
		}
	}
	return &Checkpoint{Cursor: p.incrCursor}, nil
}

// fakeCalendarProvider replays scripted event pages
type fakeCalendarProvider struct {
	pages [][]EventMeta
	err   error
	calls int
}

func (p *fakeCalendarProvider) ListEvents(ctx context.Context, from, to time.Time, fn EventPageFunc) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	for _, page := range p.pages {
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}
