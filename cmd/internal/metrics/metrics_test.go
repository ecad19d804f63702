package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ConnOpened()
	m.SessionAttached("agent")
	m.Message("customer")
	m.Claim("won")
	m.Lifecycle("closed")
	m.Evicted("overflow")
	m.Rejected("bad_json")
	m.Published("ok")
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Claim("won")
	m.Claim("lost")
	m.Claim("lost")
	m.SessionAttached("customer")

	assert.InDelta(t, 1, testutil.ToFloat64(m.connections), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.claims.WithLabelValues("lost")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sessions.WithLabelValues("customer")), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `helpdesk_queue_claims_total{result="lost"} 2`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
