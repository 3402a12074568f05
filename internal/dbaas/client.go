// Package dbaas is the client for the managed database provider's REST API.
// Only the firewall (trusted sources) endpoints are covered.
package dbaas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds client connection settings.
type Config struct {
	BaseURL        string
	Token          string
	ConnectTimeout time.Duration // TCP connect timeout (default: 30s)
	Timeout        time.Duration // overall per-request timeout (default: 60s)
	RateLimitPause time.Duration // pause after a 429 before reporting it (default: 5s)
}

// Client performs authenticated calls against the provider API.
// It keeps no local cache: every read goes to the provider.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	rateLimitPause time.Duration
}

// NewClient creates a provider API client.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimitPause <= 0 {
		cfg.RateLimitPause = 5 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		rateLimitPause: cfg.RateLimitPause,
	}
}

// ListRules fetches the complete firewall rule list for a cluster.
func (c *Client) ListRules(ctx context.Context, clusterID string) ([]FirewallRule, error) {
	payload, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/databases/%s/firewall", clusterID), nil)
	if err != nil {
		return nil, err
	}

	var list ruleList
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("decode firewall rules: %w", err)
	}
	return list.Rules, nil
}

// ReplaceRules overwrites the cluster's entire rule list. There is no delta
// update on this API, so the caller must send the full desired set. The
// provider assigns ids to new rules; the updated list is returned when the
// response carries a usable one, nil otherwise.
func (c *Client) ReplaceRules(ctx context.Context, clusterID string, rules []FirewallRule) ([]FirewallRule, error) {
	payload, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/databases/%s/firewall", clusterID), ruleList{Rules: rules})
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var list ruleList
	if err := json.Unmarshal(payload, &list); err != nil {
		// The write went through; only the echo is unusable.
		log.Debug().Err(err).Str("cluster", clusterID).Msg("Could not decode replace response")
		return nil, nil
	}
	return list.Rules, nil
}

// DeleteRule removes a single rule by its provider-assigned id.
func (c *Client) DeleteRule(ctx context.Context, clusterID, ruleID string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/databases/%s/firewall/%s", clusterID, ruleID), nil)
	return err
}

// do performs one HTTP call and maps the response status to the package's
// outcome taxonomy. On 429 it pauses once (context-aware) and returns
// ErrRateLimited; it never retries on its own.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return payload, nil

	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrAuth)

	case http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)

	case http.StatusTooManyRequests:
		log.Warn().
			Str("method", method).
			Str("path", path).
			Dur("pause", c.rateLimitPause).
			Msg("Provider rate limit hit, pausing")
		select {
		case <-time.After(c.rateLimitPause):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrRateLimited)

	default:
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
}
