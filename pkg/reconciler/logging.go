// Package reconciler drives SpreadPolicy reconciliation: workers drain the
// key queue, evaluate cached state, apply corrective actions and publish the
// result on the policy status.
package reconciler

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/fitzek/spreadguard/pkg/queue"
)

// ReconcileLogger carries the structured fields every log line of one
// reconciliation attempt shares, keyed by a short reconcile id so concurrent
// attempts remain distinguishable.
type ReconcileLogger struct {
	logr.Logger

	// ReconcileID ties all lines of one attempt together.
	ReconcileID string
}

// NewReconcileLogger creates a logger for a single reconciliation attempt.
func NewReconcileLogger(base logr.Logger, key queue.Key) *ReconcileLogger {
	reconcileID := uuid.New().String()[:8] // Short UUID for readability

	return &ReconcileLogger{
		Logger: base.WithValues(
			"namespace", key.Namespace,
			"name", key.Name,
			"reconcile_id", reconcileID,
		),
		ReconcileID: reconcileID,
	}
}

// WithPhase adds the reconciliation phase to subsequent lines.
func (rl *ReconcileLogger) WithPhase(phase string) *ReconcileLogger {
	return &ReconcileLogger{
		Logger:      rl.Logger.WithValues("phase", phase),
		ReconcileID: rl.ReconcileID,
	}
}

// Started logs the beginning of an attempt.
func (rl *ReconcileLogger) Started() {
	rl.V(2).Info("Starting reconciliation", "event", "reconcile_started")
}

// Completed logs a successful attempt.
func (rl *ReconcileLogger) Completed(duration time.Duration, actions int) {
	rl.Info("Reconciliation completed",
		"event", "reconcile_completed",
		"duration_ms", duration.Milliseconds(),
		"actions_applied", actions,
	)
}

// Failed logs a failed attempt.
func (rl *ReconcileLogger) Failed(err error, duration time.Duration) {
	rl.Error(err, "Reconciliation failed",
		"event", "reconcile_failed",
		"duration_ms", duration.Milliseconds(),
	)
}
