package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedEvents    int64 `json:"purged_events"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
	PurgedDecisions int64 `json:"purged_decisions"`
}

// RunRetention deletes journal and audit rows older than their windows. A
// zero window keeps rows forever. Running it twice is harmless.
func (s *Store) RunRetention(ctx context.Context, eventDays, auditDays int) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()

	if eventDays > 0 {
		cutoff := now.AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge session_events: %w", err)
		}
		result.PurgedEvents, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM permission_decisions WHERE resolved_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge permission_decisions: %w", err)
		}
		result.PurgedDecisions, _ = res.RowsAffected()
	}

	if auditDays > 0 {
		cutoff := now.AddDate(0, 0, -auditDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
