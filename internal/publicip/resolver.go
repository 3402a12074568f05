// Package publicip discovers the caller's public IPv4 address by asking
// external detection services.
package publicip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrResolutionFailed means no detection endpoint produced a usable address.
var ErrResolutionFailed = errors.New("public ip resolution failed")

// DefaultEndpoints are tried in order until one answers with a plain IPv4
// body. All of them speak the same trivial protocol: GET, address in the
// response body, nothing else.
var DefaultEndpoints = []string{
	"https://checkip.amazonaws.com",
	"https://api.ipify.org",
	"https://icanhazip.com",
	"https://ifconfig.me/ip",
	"https://ipecho.net/plain",
}

// ipv4Pattern matches four dot-separated runs of 1-3 digits. Octet ranges
// are not checked, so "999.999.999.999" passes the shape test; detection
// services return well-formed addresses and the provider rejects anything
// else, so the loose match is kept as-is.
var ipv4Pattern = regexp.MustCompile(`^[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}$`)

// Config holds resolver settings.
type Config struct {
	Endpoints      []string      // tried in order; DefaultEndpoints if empty
	ConnectTimeout time.Duration // TCP connect timeout (default: 10s)
	Timeout        time.Duration // overall timeout per endpoint (default: 15s)
}

// Resolver queries detection endpoints for the public IPv4 address.
type Resolver struct {
	endpoints  []string
	timeout    time.Duration
	httpClient *http.Client
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config) *Resolver {
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultEndpoints
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}

	return &Resolver{
		endpoints:  cfg.Endpoints,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Transport: transport},
	}
}

// Resolve returns the first syntactically valid IPv4 address any endpoint
// reports, verbatim after whitespace trimming (no normalization). Endpoints
// are tried once each in order; answers are never cross-checked against each
// other.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	for _, endpoint := range r.endpoints {
		ip, err := r.query(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Detection endpoint failed, trying next")
			continue
		}

		log.Debug().Str("endpoint", endpoint).Str("ip", ip).Msg("Public IP detected")
		return ip, nil
	}

	return "", fmt.Errorf("%w: all %d endpoints failed", ErrResolutionFailed, len(r.endpoints))
}

func (r *Resolver) query(ctx context.Context, endpoint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// A plain address is a few bytes; anything longer is not what we asked for.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}

	ip := strings.TrimSpace(string(body))
	if !ipv4Pattern.MatchString(ip) {
		return "", fmt.Errorf("response %q is not a plain IPv4 address", truncate(ip, 40))
	}
	return ip, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
