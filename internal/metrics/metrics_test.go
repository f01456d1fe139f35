package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/shutdown"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ bridge.Observer          = (*Collector)(nil)
	_ shutdown.CleanupObserver = (*Collector)(nil)
)

func TestCollector(t *testing.T) {
	t.Run("Requests are counted by mode and outcome", func(t *testing.T) {
		c := New()
		c.ObserveRequest(bridge.ModeWait, bridge.OutcomeOK)
		c.ObserveRequest(bridge.ModeWait, bridge.OutcomeOK)
		c.ObserveRequest(bridge.ModeForward, bridge.OutcomeTimeout)

		assert.Equal(t, 2.0, testutil.ToFloat64(c.requests.WithLabelValues("wait", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("forward", "timeout")))
	})

	t.Run("Pending waits track deltas", func(t *testing.T) {
		c := New()
		c.PendingWaits(1)
		c.PendingWaits(1)
		c.PendingWaits(-1)

		assert.Equal(t, 1.0, testutil.ToFloat64(c.pending))
	})

	t.Run("Wait durations land in the histogram", func(t *testing.T) {
		c := New(WithBuckets([]float64{0.1, 1}))
		c.ObserveWait(bridge.OutcomeOK, 500*time.Millisecond)
		c.ObserveWait(bridge.OutcomeOK, 2*time.Second)

		assert.Equal(t, 1, testutil.CollectAndCount(c.waits))
		expected := `
# HELP httpbridge_wait_duration_seconds Time from forwarding or waiting until a terminal outcome.
# TYPE httpbridge_wait_duration_seconds histogram
httpbridge_wait_duration_seconds_bucket{outcome="ok",le="0.1"} 0
httpbridge_wait_duration_seconds_bucket{outcome="ok",le="1"} 1
httpbridge_wait_duration_seconds_bucket{outcome="ok",le="+Inf"} 2
httpbridge_wait_duration_seconds_sum{outcome="ok"} 2.5
httpbridge_wait_duration_seconds_count{outcome="ok"} 2
`
		assert.NoError(t, testutil.CollectAndCompare(c.waits, strings.NewReader(expected)))
	})

	t.Run("Provision and cleanup results are counted", func(t *testing.T) {
		c := New()
		c.ObserveProvision(bridge.ProvisionCreated)
		c.ObserveProvision(bridge.ProvisionReused)
		c.ObserveProvision(bridge.ProvisionReused)
		c.ObserveCleanup(shutdown.ResultDeleted)

		assert.Equal(t, 1.0, testutil.ToFloat64(c.provision.WithLabelValues("created")))
		assert.Equal(t, 2.0, testutil.ToFloat64(c.provision.WithLabelValues("reused")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanup.WithLabelValues(shutdown.ResultDeleted)))
	})

	t.Run("Const labels are attached", func(t *testing.T) {
		c := New(WithConstLabels(map[string]string{"subscription": "response-pod1"}))
		c.PendingWaits(1)

		expected := `
# HELP httpbridge_pending_waits Waits currently in flight.
# TYPE httpbridge_pending_waits gauge
httpbridge_pending_waits{subscription="response-pod1"} 1
`
		assert.NoError(t, testutil.CollectAndCompare(c.pending, strings.NewReader(expected)))
	})

	t.Run("Runtime collectors are opt in", func(t *testing.T) {
		plain, err := New().Registry().Gather()
		require.NoError(t, err)
		for _, mf := range plain {
			assert.False(t, strings.HasPrefix(mf.GetName(), "go_"), mf.GetName())
		}

		c := New(WithRuntimeMetrics())
		families, err := c.Registry().Gather()
		require.NoError(t, err)
		var found bool
		for _, mf := range families {
			if mf.GetName() == "go_goroutines" {
				found = true
			}
		}
		assert.True(t, found)
	})
}

func TestHandler(t *testing.T) {
	c := New()
	c.ObserveRequest(bridge.ModeWait, bridge.OutcomeOK)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `httpbridge_requests_total{mode="wait",outcome="ok"} 1`)
}
