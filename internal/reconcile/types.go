// Package reconcile aligns a cluster's remote firewall rule list with a
// desired change: one IP whitelisted, one IP removed, or every
// automation-created rule removed. Each change is a fresh read-modify-write
// against the provider; nothing is kept between invocations.
package reconcile

import "context"

// Kind identifies a type of target cluster.
type Kind string

// Target cluster kinds.
const (
	KindRelational Kind = "relational"
	KindKeyValue   Kind = "keyvalue"
)

// Target is one cluster whose firewall an operation manages.
type Target struct {
	ID   string
	Kind Kind
}

// MarkerLabel tags every rule this tool creates. Cleanup finds stale rules
// by this exact substring, case-sensitively.
const MarkerLabel = "GitHub Actions CI/CD"

// IPResolver supplies the caller's current public IPv4 address.
type IPResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// RemoveStats reports the outcome of one removal pass over one cluster.
type RemoveStats struct {
	Matched int // rules that matched the predicate
	Removed int // deletes that succeeded
	Failed  int // deletes that failed (logged, never fatal)
}

// TargetResult is the per-cluster outcome of one operation.
type TargetResult struct {
	Target Target
	Err    error
}
