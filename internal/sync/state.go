package sync

import (
	"context"
	"fmt"

	"github.com/relayforge/crm-sync/internal/metrics"
)

// RecordFailure writes a per-user failure into SyncState without running an
// engine, used when a run cannot even start (missing or revoked credential,
// unsupported provider).
func RecordFailure(ctx context.Context, states StateStore, userID, tenantID string, source Source, msg string) error {
	st, err := states.GetSyncState(ctx, userID, source)
	if err != nil {
		return fmt.Errorf("load sync state for %s: %w", userID, err)
	}
	if st == nil {
		st = &SyncState{UserID: userID, TenantID: tenantID, Source: source, Status: StatusPending}
	}
	if tenantID != "" {
		st.TenantID = tenantID
	}
	st.Status = StatusError
	st.ErrorCount++
	st.LastError = msg
	metrics.UserSyncError(string(source))
	if err := states.SaveSyncState(ctx, st); err != nil {
		return fmt.Errorf("save error state for %s: %w", userID, err)
	}
	return nil
}
