package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCountersAndSources(t *testing.T) {
	m := New()
	m.GrantsIssued.Add(5)
	m.PermissionDenied.Add(1)
	m.RegisterSources(Sources{
		Vehicles:     func() int { return 12 },
		ActiveGrants: func() int { return 3 },
	})
	m.ObserveOperation("priority.request", time.Now(), "permission_denied")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "v2i_priority_grants_total 5")
	assert.Contains(t, text, "v2i_priority_denied_total 1")
	assert.Contains(t, text, "v2i_vehicles 12")
	assert.Contains(t, text, "v2i_signal_grants_active 3")
	assert.Contains(t, text, `v2i_operation_errors_total{code="permission_denied",operation="priority.request"} 1`)
	assert.NotContains(t, text, "v2i_commlog_entries")
}

func TestGatherer(t *testing.T) {
	m := New()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
