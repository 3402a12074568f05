package publicip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func failingServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveFirstEndpointWins(t *testing.T) {
	first := ipServer(t, "203.0.113.10")

	var secondHits atomic.Int32
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		_, _ = w.Write([]byte("203.0.113.11"))
	}))
	t.Cleanup(second.Close)

	r := NewResolver(Config{Endpoints: []string{first.URL, second.URL}})

	ip, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", ip)
	assert.Zero(t, secondHits.Load(), "later endpoints must not be contacted")
}

func TestResolveFallsThroughFailures(t *testing.T) {
	broken := failingServer(t, http.StatusInternalServerError)
	garbage := ipServer(t, "<html>not an address</html>")
	ipv6 := ipServer(t, "2001:db8::1")
	good := ipServer(t, "203.0.113.5")

	r := NewResolver(Config{Endpoints: []string{broken.URL, garbage.URL, ipv6.URL, good.URL}})

	ip, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip)
}

func TestResolveAllEndpointsFail(t *testing.T) {
	broken := failingServer(t, http.StatusServiceUnavailable)
	garbage := ipServer(t, "nope")

	r := NewResolver(Config{Endpoints: []string{broken.URL, garbage.URL}})

	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResolutionFailed)
}

func TestResolveBodyShapes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   string
		wantOK bool
	}{
		{"plain address", "203.0.113.5", "203.0.113.5", true},
		{"trailing newline", "203.0.113.5\n", "203.0.113.5", true},
		{"surrounding whitespace", "  203.0.113.7 \n", "203.0.113.7", true},
		// Octet ranges are deliberately unchecked, see ipv4Pattern.
		{"out of range octets", "999.999.999.999", "999.999.999.999", true},
		{"leading zeros kept verbatim", "010.001.002.003", "010.001.002.003", true},
		{"ipv6", "2001:db8::1", "", false},
		{"too few octets", "203.0.113", "", false},
		{"too many octets", "203.0.113.5.9", "", false},
		{"four digit octet", "2034.0.113.5", "", false},
		{"address with suffix", "203.0.113.5 via proxy", "", false},
		{"empty body", "", "", false},
		{"html error page", "<html><body>503</body></html>", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ipServer(t, tt.body)
			r := NewResolver(Config{Endpoints: []string{srv.URL}})

			ip, err := r.Resolve(context.Background())
			if !tt.wantOK {
				assert.ErrorIs(t, err, ErrResolutionFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip, "the address must be returned unchanged")
		})
	}
}

func TestResolveStopsOnCancelledContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("203.0.113.5"))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(Config{Endpoints: []string{srv.URL, srv.URL, srv.URL}})

	_, err := r.Resolve(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, hits.Load(), "no endpoint should complete once the run is cancelled")
}

func TestResolveEndpointTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("203.0.113.1"))
	}))
	t.Cleanup(slow.Close)
	good := ipServer(t, "203.0.113.2")

	r := NewResolver(Config{
		Endpoints: []string{slow.URL, good.URL},
		Timeout:   20 * time.Millisecond,
	})

	ip, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.2", ip, "a timed-out endpoint falls through to the next")
}

func TestDefaultEndpointList(t *testing.T) {
	assert.GreaterOrEqual(t, len(DefaultEndpoints), 4, "need several independent detection services")
}
