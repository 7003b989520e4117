package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relayforge/crm-sync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store is the sqlite-backed persistence layer for sync state, activities,
// contacts, companies and integration credentials.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database at dbPath
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// GetSyncState loads the sync state for (userID, source), nil when absent
func (s *Store) GetSyncState(ctx context.Context, userID string, source sync.Source) (*sync.SyncState, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT user_id, source, tenant_id, cursor, initial_import_completed,
		       records_synced, status, error_count, last_error, last_sync_at
		FROM sync_states WHERE user_id = ? AND source = ?
	`, userID, string(source))

	var st sync.SyncState
	var src string
	var cursor, lastError sql.NullString
	var completed int
	var lastSyncAt sql.NullInt64
	err := row.Scan(&st.UserID, &src, &st.TenantID, &cursor, &completed,
		&st.RecordsSynced, &st.Status, &st.ErrorCount, &lastError, &lastSyncAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	st.Source = sync.Source(src)
	st.Cursor = cursor.String
	st.InitialImportCompleted = completed != 0
	st.LastError = lastError.String
	if lastSyncAt.Valid {
		t := time.Unix(lastSyncAt.Int64, 0)
		st.LastSyncAt = &t
	}
	return &st, nil
}

// SaveSyncState upserts the full sync state row. Never touches credential
// token columns; token refresh writes go through UpdateCredentialToken.
func (s *Store) SaveSyncState(ctx context.Context, st *sync.SyncState) error {
	completed := 0
	if st.InitialImportCompleted {
		completed = 1
	}
	var lastSyncAt any
	if st.LastSyncAt != nil {
		lastSyncAt = st.LastSyncAt.Unix()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_states
			(user_id, source, tenant_id, cursor, initial_import_completed,
			 records_synced, status, error_count, last_error, last_sync_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, source) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			cursor = excluded.cursor,
			initial_import_completed = excluded.initial_import_completed,
			records_synced = excluded.records_synced,
			status = excluded.status,
			error_count = excluded.error_count,
			last_error = excluded.last_error,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at
	`, st.UserID, string(st.Source), st.TenantID, st.Cursor, completed,
		st.RecordsSynced, st.Status, st.ErrorCount, st.LastError, lastSyncAt, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// ListSyncStates returns all sync states for a user, for dashboards
func (s *Store) ListSyncStates(ctx context.Context, userID string) ([]*sync.SyncState, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT source FROM sync_states WHERE user_id = ? ORDER BY source
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	defer rows.Close()

	var sources []sync.Source
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		sources = append(sources, sync.Source(src))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var states []*sync.SyncState
	for _, src := range sources {
		st, err := s.GetSyncState(ctx, userID, src)
		if err != nil {
			return nil, err
		}
		if st != nil {
			states = append(states, st)
		}
	}
	return states, nil
}

// FindActivityByExternalID returns nil when no activity matches
func (s *Store) FindActivityByExternalID(ctx context.Context, tenantID, externalID string) (*sync.Activity, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, external_id, source, type, title, occurred_at,
		       duration_minutes, contact_id
		FROM activities WHERE tenant_id = ? AND external_id = ?
	`, tenantID, externalID)

	var a sync.Activity
	var src string
	var title, contactID sql.NullString
	var occurredAt sql.NullInt64
	err := row.Scan(&a.ID, &a.TenantID, &a.ExternalID, &src, &a.Type,
		&title, &occurredAt, &a.DurationMinutes, &contactID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find activity: %w", err)
	}
	a.Source = sync.Source(src)
	a.Title = title.String
	a.ContactID = contactID.String
	if occurredAt.Valid {
		a.OccurredAt = time.Unix(occurredAt.Int64, 0)
	}
	return &a, nil
}

// CreateActivity inserts the activity. A concurrent duplicate of the same
// (tenant_id, external_id) is a no-op, keyed by the UNIQUE constraint.
func (s *Store) CreateActivity(ctx context.Context, a *sync.Activity) error {
	now := time.Now().Unix()
	var occurredAt any
	if !a.OccurredAt.IsZero() {
		occurredAt = a.OccurredAt.Unix()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO activities
			(id, tenant_id, external_id, source, type, title, occurred_at,
			 duration_minutes, contact_id, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, external_id) DO NOTHING
	`, a.ID, a.TenantID, a.ExternalID, string(a.Source), a.Type, a.Title, occurredAt,
		a.DurationMinutes, a.ContactID, a.MetadataJSON(), now, now)
	if err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	return nil
}

// UpdateActivity refreshes the mutable fields of an existing activity
func (s *Store) UpdateActivity(ctx context.Context, a *sync.Activity) error {
	var occurredAt any
	if !a.OccurredAt.IsZero() {
		occurredAt = a.OccurredAt.Unix()
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE activities
		SET title = ?, occurred_at = ?, duration_minutes = ?, updated_at = ?
		WHERE tenant_id = ? AND external_id = ?
	`, a.Title, occurredAt, a.DurationMinutes, time.Now().Unix(), a.TenantID, a.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to update activity: %w", err)
	}
	return nil
}

// CountActivities returns the number of activities for a tenant
func (s *Store) CountActivities(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activities WHERE tenant_id = ?
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}

// FindContactByEmail returns nil when no contact matches
func (s *Store) FindContactByEmail(ctx context.Context, tenantID, email string) (*sync.Contact, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, first_name, last_name, company_id,
		       source, confidence_score, last_contacted_at
		FROM contacts WHERE tenant_id = ? AND email = ?
	`, tenantID, email)
	return scanContact(row)
}

func scanContact(row *sql.Row) (*sync.Contact, error) {
	var c sync.Contact
	var first, last, companyID sql.NullString
	var lastContacted sql.NullInt64
	err := row.Scan(&c.ID, &c.TenantID, &c.Email, &first, &last, &companyID,
		&c.Source, &c.ConfidenceScore, &lastContacted)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	c.FirstName = first.String
	c.LastName = last.String
	c.CompanyID = companyID.String
	if lastContacted.Valid {
		t := time.Unix(lastContacted.Int64, 0)
		c.LastContactedAt = &t
	}
	return &c, nil
}

// CreateContact inserts the contact; on a concurrent duplicate the existing
// row wins and is returned.
func (s *Store) CreateContact(ctx context.Context, c *sync.Contact) (*sync.Contact, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO contacts
			(id, tenant_id, email, first_name, last_name, company_id,
			 source, confidence_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, email) DO NOTHING
	`, c.ID, c.TenantID, c.Email, c.FirstName, c.LastName, c.CompanyID,
		c.Source, c.ConfidenceScore, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	created, err := s.FindContactByEmail(ctx, c.TenantID, c.Email)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("contact %s missing after insert", c.Email)
	}
	return created, nil
}

// FindOrCreateCompany resolves a company by (tenantID, domain)
func (s *Store) FindOrCreateCompany(ctx context.Context, tenantID, domain, name string) (*sync.Company, error) {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO companies (id, tenant_id, domain, name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, domain) DO NOTHING
	`, uuid.NewString(), tenantID, domain, name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create company: %w", err)
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT id, tenant_id, domain, name FROM companies
		WHERE tenant_id = ? AND domain = ?
	`, tenantID, domain)

	var co sync.Company
	var coName sql.NullString
	if err := row.Scan(&co.ID, &co.TenantID, &co.Domain, &coName); err != nil {
		return nil, fmt.Errorf("failed to load company: %w", err)
	}
	co.Name = coName.String
	return &co, nil
}

// TouchContact advances last_contacted_at, never moving it backward. Safe
// under out-of-order and concurrent ingestion.
func (s *Store) TouchContact(ctx context.Context, contactID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE contacts SET last_contacted_at = ?
		WHERE id = ? AND (last_contacted_at IS NULL OR last_contacted_at < ?)
	`, at.Unix(), contactID, at.Unix())
	if err != nil {
		return fmt.Errorf("failed to touch contact: %w", err)
	}
	return nil
}

// ListActiveCredentials returns all active credentials for a source, the
// enumeration step of a periodic fan-out
func (s *Store) ListActiveCredentials(ctx context.Context, source sync.Source) ([]*sync.Credential, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id, source, tenant_id, provider, account_email,
		       access_token, refresh_token, expires_at, is_active
		FROM integration_credentials
		WHERE source = ? AND is_active = 1
		ORDER BY user_id
	`, string(source))
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*sync.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}

// GetCredential loads one credential, nil when absent
func (s *Store) GetCredential(ctx context.Context, userID string, source sync.Source) (*sync.Credential, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id, source, tenant_id, provider, account_email,
		       access_token, refresh_token, expires_at, is_active
		FROM integration_credentials
		WHERE user_id = ? AND source = ?
	`, userID, string(source))
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanCredential(rows)
}

func scanCredential(rows *sql.Rows) (*sync.Credential, error) {
	var c sync.Credential
	var src string
	var expiresAt sql.NullInt64
	var active int
	err := rows.Scan(&c.UserID, &src, &c.TenantID, &c.Provider, &c.AccountEmail,
		&c.AccessToken, &c.RefreshToken, &expiresAt, &active)
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	c.Source = sync.Source(src)
	if expiresAt.Valid {
		c.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	c.IsActive = active != 0
	return &c, nil
}

// SaveCredential upserts a credential row
func (s *Store) SaveCredential(ctx context.Context, c *sync.Credential) error {
	active := 0
	if c.IsActive {
		active = 1
	}
	var expiresAt any
	if !c.ExpiresAt.IsZero() {
		expiresAt = c.ExpiresAt.Unix()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO integration_credentials
			(user_id, source, tenant_id, provider, account_email,
			 access_token, refresh_token, expires_at, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, source) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			provider = excluded.provider,
			account_email = excluded.account_email,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, c.UserID, string(c.Source), c.TenantID, c.Provider, c.AccountEmail,
		c.AccessToken, c.RefreshToken, expiresAt, active, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// UpdateCredentialToken rewrites only the token columns. Token refresh and
// sync-state persistence are independently-ordered writes; neither can
// clobber the other's columns.
func (s *Store) UpdateCredentialToken(ctx context.Context, userID string, source sync.Source, accessToken, refreshToken string, expiresAt time.Time) error {
	var expiry any
	if !expiresAt.IsZero() {
		expiry = expiresAt.Unix()
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE integration_credentials
		SET access_token = ?,
		    refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
		    expires_at = ?,
		    updated_at = ?
		WHERE user_id = ? AND source = ?
	`, accessToken, refreshToken, refreshToken, expiry, time.Now().Unix(), userID, string(source))
	if err != nil {
		return fmt.Errorf("failed to update credential token: %w", err)
	}
	return nil
}
