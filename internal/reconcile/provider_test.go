package reconcile

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/fwgate/internal/dbaas"
)

// fakeProvider emulates the provider's firewall endpoints over HTTP: list,
// full replace, and per-rule delete, with knobs for failure injection.
type fakeProvider struct {
	srv *httptest.Server

	mu          sync.Mutex
	rules       map[string][]dbaas.FirewallRule
	nextID      int
	requests    []string
	deleteTimes []time.Time

	failGet     map[string]int // clusterID -> status served on GET
	failPut     map[string]int // clusterID -> status served on PUT
	failDelete  map[string]int // ruleID -> status served on DELETE
	throttleGet int            // 429s to serve before GETs go through
	putNoEcho   bool           // apply PUTs but answer 204 without a body
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		rules:      make(map[string][]dbaas.FirewallRule),
		failGet:    make(map[string]int),
		failPut:    make(map[string]int),
		failDelete: make(map[string]int),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, r.Method+" "+r.URL.Path)

	// /databases/{cluster}/firewall[/{ruleID}]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "databases" || parts[2] != "firewall" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	cluster := parts[1]

	switch {
	case r.Method == http.MethodGet && len(parts) == 3:
		if p.throttleGet > 0 {
			p.throttleGet--
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if status := p.failGet[cluster]; status != 0 {
			w.WriteHeader(status)
			return
		}
		p.writeRules(w, cluster)

	case r.Method == http.MethodPut && len(parts) == 3:
		if status := p.failPut[cluster]; status != 0 {
			w.WriteHeader(status)
			return
		}
		var body struct {
			Rules []dbaas.FirewallRule `json:"rules"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for i := range body.Rules {
			if body.Rules[i].ID == "" {
				p.nextID++
				body.Rules[i].ID = fmt.Sprintf("rule-%d", p.nextID)
			}
		}
		p.rules[cluster] = body.Rules
		if p.putNoEcho {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		p.writeRules(w, cluster)

	case r.Method == http.MethodDelete && len(parts) == 4:
		ruleID := parts[3]
		if status := p.failDelete[ruleID]; status != 0 {
			w.WriteHeader(status)
			return
		}
		kept := p.rules[cluster][:0:0]
		found := false
		for _, fr := range p.rules[cluster] {
			if fr.ID == ruleID {
				found = true
				continue
			}
			kept = append(kept, fr)
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		p.rules[cluster] = kept
		p.deleteTimes = append(p.deleteTimes, time.Now())
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (p *fakeProvider) writeRules(w http.ResponseWriter, cluster string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]dbaas.FirewallRule{"rules": p.rules[cluster]})
}

// seed stores rules for a cluster, assigning ids to any that lack one.
func (p *fakeProvider) seed(cluster string, rules ...dbaas.FirewallRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range rules {
		if rules[i].ID == "" {
			p.nextID++
			rules[i].ID = fmt.Sprintf("rule-%d", p.nextID)
		}
	}
	p.rules[cluster] = append(p.rules[cluster], rules...)
}

func (p *fakeProvider) rulesFor(cluster string) []dbaas.FirewallRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dbaas.FirewallRule(nil), p.rules[cluster]...)
}

func (p *fakeProvider) countRequests(method, pathPart string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, req := range p.requests {
		if strings.HasPrefix(req, method+" ") && strings.Contains(req, pathPart) {
			n++
		}
	}
	return n
}

func (p *fakeProvider) deleteGaps() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var gaps []time.Duration
	for i := 1; i < len(p.deleteTimes); i++ {
		gaps = append(gaps, p.deleteTimes[i].Sub(p.deleteTimes[i-1]))
	}
	return gaps
}

func (p *fakeProvider) client() *dbaas.Client {
	return dbaas.NewClient(dbaas.Config{
		BaseURL:        p.srv.URL,
		Token:          "test-token",
		RateLimitPause: 5 * time.Millisecond,
	})
}

// newTestReconciler keeps the pacing and retry delays tiny so tests stay fast.
func newTestReconciler(p *fakeProvider) *Reconciler {
	return New(p.client(), Config{
		JobToken:          "ci-123",
		DeleteInterval:    10 * time.Millisecond,
		RateLimitAttempts: 3,
		RateLimitBackoff:  5 * time.Millisecond,
	})
}

func markedRule(value string) dbaas.FirewallRule {
	return dbaas.FirewallRule{
		Kind:  dbaas.RuleKindIP,
		Value: value,
		Label: MarkerLabel + " 2026-01-10T08:30:00Z run=old-run",
	}
}

func manualRule(value string) dbaas.FirewallRule {
	return dbaas.FirewallRule{
		Kind:  dbaas.RuleKindIP,
		Value: value,
		Label: "manual-entry",
	}
}
