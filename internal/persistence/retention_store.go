package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTurnTraces int64 `json:"purged_turn_traces"`
	PurgedCommits    int64 `json:"purged_commits"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
}

// RunRetention deletes records older than the configured windows. A window
// of zero or less keeps that category forever. Running it twice is
// harmless.
func (s *Store) RunRetention(ctx context.Context, traceDays, commitDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()

	purge := func(table string, days int, dst *int64) error {
		if days <= 0 {
			return nil
		}
		cutoff := now.AddDate(0, 0, -days)
		return retryOnBusy(ctx, 5, func() error {
			res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?;`, cutoff)
			if err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
			*dst, _ = res.RowsAffected()
			return nil
		})
	}

	if err := purge("turn_traces", traceDays, &result.PurgedTurnTraces); err != nil {
		return result, err
	}
	if err := purge("commits", commitDays, &result.PurgedCommits); err != nil {
		return result, err
	}
	if err := purge("audit_log", auditLogDays, &result.PurgedAuditLogs); err != nil {
		return result, err
	}
	return result, nil
}
