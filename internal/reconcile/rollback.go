package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const rollbackTimeout = 30 * time.Second

// rollback collects the rules created during one run so they can be removed
// again if the run fails partway. Deletes are best effort: a rule that
// cannot be removed is logged and left for a later bulk cleanup.
type rollback struct {
	rec     *Reconciler
	entries []rollbackEntry
}

type rollbackEntry struct {
	target Target
	ruleID string
}

func newRollback(rec *Reconciler) *rollback {
	return &rollback{rec: rec}
}

// register records a created rule for removal on failure. Rules whose id
// could not be captured are skipped; there is nothing addressable to delete.
func (rb *rollback) register(target Target, ruleID string) {
	if ruleID == "" {
		return
	}
	rb.entries = append(rb.entries, rollbackEntry{target: target, ruleID: ruleID})
}

// run deletes the registered rules. The run's context may already be
// cancelled at this point, so the deletes get a fresh bounded one.
func (rb *rollback) run(runLog zerolog.Logger) {
	if len(rb.entries) == 0 {
		return
	}

	runLog.Warn().Int("rules", len(rb.entries)).Msg("Run failed, rolling back created rules")

	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	for _, entry := range rb.entries {
		if err := rb.rec.deleteRule(ctx, entry.target.ID, entry.ruleID); err != nil {
			runLog.Error().Err(err).
				Str("cluster", entry.target.ID).Str("rule_id", entry.ruleID).
				Msg("Rollback delete failed, rule left behind")
			continue
		}
		runLog.Info().Str("cluster", entry.target.ID).Str("rule_id", entry.ruleID).
			Msg("Rolled back created rule")
	}
}
