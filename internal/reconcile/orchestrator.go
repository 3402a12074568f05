package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WaitConfig controls the propagation pause after a successful add. The
// provider applies firewall changes asynchronously, so connections opened
// right after the write can still be refused.
type WaitConfig struct {
	Increment time.Duration // sleep step (default: 5s)
	Threshold time.Duration // fixed cap on the total pause (default: 30s)
	Timeout   time.Duration // configured cap; 0 leaves the threshold alone in charge
}

// Orchestrator drives one CLI invocation: resolve the runner's IP where the
// operation needs it, then apply the change to every configured target
// cluster in order, relational first. Targets are strictly sequential; a
// failed target never stops the remaining ones, and the run as a whole fails
// if any target failed.
type Orchestrator struct {
	rec      *Reconciler
	resolver IPResolver
	targets  []Target
	wait     WaitConfig
}

// NewOrchestrator creates an Orchestrator over the given targets.
func NewOrchestrator(rec *Reconciler, resolver IPResolver, targets []Target, wait WaitConfig) *Orchestrator {
	if wait.Increment <= 0 {
		wait.Increment = 5 * time.Second
	}
	if wait.Threshold <= 0 {
		wait.Threshold = 30 * time.Second
	}
	return &Orchestrator{
		rec:      rec,
		resolver: resolver,
		targets:  targets,
		wait:     wait,
	}
}

func (o *Orchestrator) runLogger(op string) zerolog.Logger {
	return log.With().Str("op", op).Logger()
}

// Add whitelists the runner's current public IPv4 on every target, then
// waits for propagation. If any target fails, or the wait is cut short by
// cancellation, the rules created by this run are rolled back so a broken
// run leaves no opening behind.
func (o *Orchestrator) Add(ctx context.Context) (err error) {
	runLog := o.runLogger("add")

	ip, err := o.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve public ip: %w", err)
	}
	runLog.Info().Str("ip", ip).Msg("Resolved runner public IP")

	rb := newRollback(o.rec)
	defer func() {
		if err != nil {
			rb.run(runLog)
		}
	}()

	results := make([]TargetResult, 0, len(o.targets))
	for _, target := range o.targets {
		rule, addErr := o.rec.AddRule(ctx, target.ID, ip)
		if addErr != nil {
			runLog.Error().Err(addErr).Str("cluster", target.ID).Str("kind", string(target.Kind)).
				Msg("Failed to whitelist IP on target")
		} else {
			rb.register(target, rule.ID)
		}
		results = append(results, TargetResult{Target: target, Err: addErr})
	}

	if err = o.aggregate("add", results); err != nil {
		return err
	}

	if err = o.waitForPropagation(ctx, runLog); err != nil {
		return err
	}

	runLog.Info().Str("ip", ip).Int("targets", len(o.targets)).Msg("IP whitelisted on all targets")
	return nil
}

// Remove deletes every rule carrying the runner's current public IPv4 from
// every target. Zero matches on a target is success: the desired state is
// "no rules for this IP", and it already holds.
func (o *Orchestrator) Remove(ctx context.Context) error {
	runLog := o.runLogger("remove")

	ip, err := o.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve public ip: %w", err)
	}
	runLog.Info().Str("ip", ip).Msg("Resolved runner public IP")

	results := make([]TargetResult, 0, len(o.targets))
	for _, target := range o.targets {
		stats, remErr := o.rec.RemoveIP(ctx, target.ID, ip)
		if remErr != nil {
			runLog.Error().Err(remErr).Str("cluster", target.ID).Msg("Failed to remove IP from target")
		} else {
			runLog.Info().Str("cluster", target.ID).
				Int("matched", stats.Matched).Int("removed", stats.Removed).Int("failed", stats.Failed).
				Msg("Removed matching rules from target")
		}
		results = append(results, TargetResult{Target: target, Err: remErr})
	}

	return o.aggregate("remove", results)
}

// Cleanup bulk-removes every rule left behind by earlier automation runs,
// meaning any rule whose label carries the marker, from every target. The
// runner's own IP is irrelevant here, so it is never resolved.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	runLog := o.runLogger("cleanup")

	results := make([]TargetResult, 0, len(o.targets))
	for _, target := range o.targets {
		stats, clErr := o.rec.RemoveMatching(ctx, target.ID, MarkerLabel)
		if clErr != nil {
			runLog.Error().Err(clErr).Str("cluster", target.ID).Msg("Failed to clean up target")
		} else {
			runLog.Info().Str("cluster", target.ID).
				Int("matched", stats.Matched).Int("removed", stats.Removed).Int("failed", stats.Failed).
				Msg("Cleaned up automation rules on target")
		}
		results = append(results, TargetResult{Target: target, Err: clErr})
	}

	return o.aggregate("cleanup", results)
}

// aggregate folds per-target outcomes into the run verdict: success only
// when every target succeeded.
func (o *Orchestrator) aggregate(op string, results []TargetResult) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", op, res.Target.ID, res.Err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// waitForPropagation sleeps in increments until the threshold or the
// configured timeout elapses, whichever comes first. Cancellation mid-wait
// fails the run: the caller cannot assume the rules are live yet.
func (o *Orchestrator) waitForPropagation(ctx context.Context, runLog zerolog.Logger) error {
	total := o.wait.Threshold
	if o.wait.Timeout > 0 && o.wait.Timeout < total {
		total = o.wait.Timeout
	}
	if total <= 0 {
		return nil
	}

	runLog.Info().Dur("wait", total).Msg("Waiting for firewall changes to propagate")

	for waited := time.Duration(0); waited < total; {
		step := min(o.wait.Increment, total-waited)
		select {
		case <-time.After(step):
			waited += step
		case <-ctx.Done():
			return fmt.Errorf("propagation wait interrupted: %w", ctx.Err())
		}
	}
	return nil
}
