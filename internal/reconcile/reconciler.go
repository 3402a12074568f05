package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/fwgate/internal/dbaas"
)

// Config holds reconciler settings.
type Config struct {
	JobToken          string        // CI run identifier recorded in rule labels (default: "manual")
	DeleteInterval    time.Duration // minimum spacing between bulk-cleanup deletes (default: 2s)
	RateLimitAttempts int           // total attempts for a rate-limited call (default: 3)
	RateLimitBackoff  time.Duration // spacing between those attempts (default: 1s)
}

// Reconciler performs read-modify-write passes over one cluster's firewall
// rule list. The provider API replaces the whole list on every write, so
// each mutation starts with a fresh read. There is no concurrency token:
// a write blindly overwrites whatever was read, and two invocations racing
// on the same cluster lose updates. Callers serialize per cluster.
type Reconciler struct {
	client *dbaas.Client

	jobToken       string
	deleteInterval time.Duration
	rateAttempts   int
	rateBackoff    time.Duration
}

// New creates a Reconciler.
func New(client *dbaas.Client, cfg Config) *Reconciler {
	if cfg.JobToken == "" {
		cfg.JobToken = "manual"
	}
	if cfg.DeleteInterval <= 0 {
		cfg.DeleteInterval = 2 * time.Second
	}
	if cfg.RateLimitAttempts <= 0 {
		cfg.RateLimitAttempts = 3
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 1 * time.Second
	}

	return &Reconciler{
		client:         client,
		jobToken:       cfg.JobToken,
		deleteInterval: cfg.DeleteInterval,
		rateAttempts:   cfg.RateLimitAttempts,
		rateBackoff:    cfg.RateLimitBackoff,
	}
}

// buildLabel produces the label for a new rule: the automation marker, the
// creation time, and the CI run identifier.
func (r *Reconciler) buildLabel(now time.Time) string {
	return fmt.Sprintf("%s %s run=%s", MarkerLabel, now.UTC().Format(time.RFC3339), r.jobToken)
}

// AddRule whitelists ip on the cluster: fetch the current rule list, append
// a new ip_addr rule, write the whole list back. Success requires both the
// read and the write to succeed. Values are not deduplicated; a second add
// of the same ip creates a second rule with its own id.
//
// The returned rule carries the provider-assigned id when it can be
// identified from the write response (a rule with our value whose id was not
// in the pre-read set); the id may be empty otherwise.
func (r *Reconciler) AddRule(ctx context.Context, clusterID, ip string) (*dbaas.FirewallRule, error) {
	current, err := r.listRules(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("read rules for %s: %w", clusterID, err)
	}

	rule := dbaas.FirewallRule{
		Kind:  dbaas.RuleKindIP,
		Value: ip,
		Label: r.buildLabel(time.Now()),
	}

	desired := append(append([]dbaas.FirewallRule{}, current...), rule)
	updated, err := r.replaceRules(ctx, clusterID, desired)
	if err != nil {
		return nil, fmt.Errorf("write rules for %s: %w", clusterID, err)
	}

	if updated == nil {
		// The write succeeded but the response had no usable echo; re-read so
		// the new rule's id can still be captured for rollback.
		if updated, err = r.listRules(ctx, clusterID); err != nil {
			log.Warn().Err(err).Str("cluster", clusterID).Str("ip", ip).
				Msg("Rule created but its id could not be captured")
			return &rule, nil
		}
	}

	if fresh, found := lo.Find(updated, func(fr dbaas.FirewallRule) bool {
		return fr.Value == ip && fr.ID != "" && !lo.ContainsBy(current, func(prev dbaas.FirewallRule) bool {
			return prev.ID == fr.ID
		})
	}); found {
		rule = fresh
	} else {
		log.Warn().Str("cluster", clusterID).Str("ip", ip).
			Msg("Created rule not identifiable in write response")
	}

	log.Info().Str("cluster", clusterID).Str("ip", ip).Str("rule_id", rule.ID).
		Msg("Firewall rule created")
	return &rule, nil
}

// RemoveIP deletes every rule whose value equals ip exactly. Zero matches is
// a no-op success. Individual delete failures are logged and counted but
// never stop the pass and never fail the operation; only a failed read
// does. Deletion follows the provider's read order.
func (r *Reconciler) RemoveIP(ctx context.Context, clusterID, ip string) (RemoveStats, error) {
	rules, err := r.listRules(ctx, clusterID)
	if err != nil {
		return RemoveStats{}, fmt.Errorf("read rules for %s: %w", clusterID, err)
	}

	matches := lo.Filter(rules, func(fr dbaas.FirewallRule, _ int) bool {
		return fr.Value == ip
	})
	return r.deleteRules(ctx, clusterID, matches, nil), nil
}

// RemoveMatching deletes every rule whose label contains labelSubstring,
// case-sensitively, regardless of value. Same best-effort semantics as
// RemoveIP, except successive deletes are spaced by the configured interval
// so a bulk cleanup does not trip the provider's rate limiting; a single
// match incurs no artificial delay.
func (r *Reconciler) RemoveMatching(ctx context.Context, clusterID, labelSubstring string) (RemoveStats, error) {
	rules, err := r.listRules(ctx, clusterID)
	if err != nil {
		return RemoveStats{}, fmt.Errorf("read rules for %s: %w", clusterID, err)
	}

	matches := lo.Filter(rules, func(fr dbaas.FirewallRule, _ int) bool {
		return strings.Contains(fr.Label, labelSubstring)
	})

	// Burst of 1: the first delete goes out immediately, every following one
	// waits out the interval.
	limiter := rate.NewLimiter(rate.Every(r.deleteInterval), 1)
	return r.deleteRules(ctx, clusterID, matches, limiter), nil
}

// deleteRules removes the given rules one at a time, best effort.
func (r *Reconciler) deleteRules(ctx context.Context, clusterID string, rules []dbaas.FirewallRule, limiter *rate.Limiter) RemoveStats {
	stats := RemoveStats{Matched: len(rules)}

	for _, fr := range rules {
		if ctx.Err() != nil {
			log.Warn().Str("cluster", clusterID).
				Int("remaining", stats.Matched-stats.Removed-stats.Failed).
				Msg("Cancelled, leaving remaining rules in place")
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}

		if err := r.deleteRule(ctx, clusterID, fr.ID); err != nil {
			stats.Failed++
			log.Error().Err(err).Str("cluster", clusterID).Str("rule_id", fr.ID).Str("value", fr.Value).
				Msg("Failed to delete rule")
			continue
		}

		stats.Removed++
		log.Info().Str("cluster", clusterID).Str("rule_id", fr.ID).Str("value", fr.Value).
			Msg("Firewall rule deleted")
	}

	return stats
}

func (r *Reconciler) listRules(ctx context.Context, clusterID string) ([]dbaas.FirewallRule, error) {
	var rules []dbaas.FirewallRule
	err := r.retryRateLimited(ctx, "list", clusterID, func() error {
		var err error
		rules, err = r.client.ListRules(ctx, clusterID)
		return err
	})
	return rules, err
}

func (r *Reconciler) replaceRules(ctx context.Context, clusterID string, desired []dbaas.FirewallRule) ([]dbaas.FirewallRule, error) {
	var updated []dbaas.FirewallRule
	err := r.retryRateLimited(ctx, "replace", clusterID, func() error {
		var err error
		updated, err = r.client.ReplaceRules(ctx, clusterID, desired)
		return err
	})
	return updated, err
}

func (r *Reconciler) deleteRule(ctx context.Context, clusterID, ruleID string) error {
	return r.retryRateLimited(ctx, "delete", clusterID, func() error {
		return r.client.DeleteRule(ctx, clusterID, ruleID)
	})
}

// retryRateLimited runs call, re-attempting only when the provider reported
// rate limiting, up to the configured number of attempts. Auth failures,
// missing resources, and other errors are terminal on the first occurrence.
func (r *Reconciler) retryRateLimited(ctx context.Context, op, clusterID string, call func() error) error {
	operation := func() error {
		err := call()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, dbaas.ErrRateLimited):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.rateBackoff), uint64(r.rateAttempts-1)),
		ctx,
	)

	return backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("op", op).Str("cluster", clusterID).Dur("retry_in", wait).
			Msg("Rate limited, retrying")
	})
}
