// Package anomaly records ledger invariant violations: a high-severity log
// line, a metric and a critical audit entry.
package anomaly

import (
	"context"

	"go.uber.org/zap"

	"estatefund-escrow/internal/domain/audit"
	"estatefund-escrow/internal/domain/ledger"
	"estatefund-escrow/internal/infrastructure/logger"
	"estatefund-escrow/internal/infrastructure/metrics"
)

const actor = "system:ledger"

type Reporter struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewReporter(log *zap.Logger, m *metrics.Metrics) *Reporter {
	return &Reporter{log: logger.OrNop(log), metrics: m}
}

// Report writes the audit entry through the caller's repositories, so it
// commits or rolls back with the caller's transaction.
func (r *Reporter) Report(ctx context.Context, audits audit.Repository, v *ledger.InvariantViolationError) error {
	if r == nil || v == nil {
		return nil
	}
	r.log.Error("ledger invariant violation",
		zap.String("resource", v.Resource),
		zap.String("resource_id", v.ResourceID),
		zap.String("expected", v.Expected.StringFixed(2)),
		zap.String("actual", v.Actual.StringFixed(2)),
		zap.String("detail", v.Detail),
	)
	r.metrics.Violation(v.Resource)

	if audits == nil {
		return nil
	}
	e := audit.New(actor, audit.ActionInvariantViolation, v.Resource, v.ResourceID, audit.SeverityCritical, map[string]any{
		"expected": v.Expected.StringFixed(2),
		"actual":   v.Actual.StringFixed(2),
		"detail":   v.Detail,
	})
	return audits.Append(ctx, e.WithAmounts(v.Expected, v.Actual))
}
