package metrics_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Boxworker/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New()

	m.EngineRequest("claim", metrics.OutcomeNoJob, 10*time.Millisecond)
	m.EngineRequest("claim", metrics.OutcomeNoJob, 10*time.Millisecond)
	m.EngineRequest("claim", metrics.OutcomeOK, 10*time.Millisecond)
	m.JobFinished(metrics.OutcomeCompleted, time.Second)
	m.JobInFlight(true)

	require.Equal(t, 2.0, testutil.ToFloat64(m.EngineRequests("claim", metrics.OutcomeNoJob)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.EngineRequests("claim", metrics.OutcomeOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Jobs(metrics.OutcomeCompleted)))
	require.Zero(t, testutil.ToFloat64(m.Jobs(metrics.OutcomeFailed)))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]struct{}, len(families))
	for _, f := range families {
		names[f.GetName()] = struct{}{}
	}
	require.Contains(t, names, "boxworker_engine_requests_total")
	require.Contains(t, names, "boxworker_job_in_flight")
	require.Contains(t, names, "go_goroutines")
}
