package dbaas

import (
	"errors"
	"fmt"
)

// Call outcomes by HTTP status. Callers branch with errors.Is; anything not
// covered by a sentinel surfaces as *StatusError.
var (
	// ErrAuth means the provider rejected the bearer token (401). Terminal,
	// never retried.
	ErrAuth = errors.New("provider rejected credentials")

	// ErrNotFound means the cluster or rule does not exist (404). Terminal.
	ErrNotFound = errors.New("resource not found")

	// ErrRateLimited means the provider throttled the call (429). The client
	// has already paused before returning this; whether to try the call again
	// is the caller's decision.
	ErrRateLimited = errors.New("rate limited by provider")
)

// StatusError reports any other non-success HTTP status together with the
// response body.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}
