package status_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Boxworker/internal/engine"
	"github.com/CZERTAINLY/Boxworker/internal/health"
	"github.com/CZERTAINLY/Boxworker/internal/metrics"
	"github.com/CZERTAINLY/Boxworker/internal/model"
	"github.com/CZERTAINLY/Boxworker/internal/status"
)

type counters model.TaskCounters

func (c counters) Counters() model.TaskCounters {
	return model.TaskCounters(c)
}

type healthFunc func(ctx context.Context) model.Health

func (f healthFunc) Check(ctx context.Context) model.Health {
	return f(ctx)
}

func newServer(h model.Health) *status.Server {
	var addr model.TCPAddr
	if err := addr.UnmarshalText([]byte("127.0.0.1:0")); err != nil {
		panic(err)
	}
	return status.NewServer(
		model.Status{Enabled: true, Addr: addr},
		"nmap.1234",
		model.Build{CommitID: "deadbeef", RepositoryURL: "https://example.com/boxworker", Branch: "main"},
		counters{Started: 3, Completed: 2, Failed: 1},
		healthFunc(func(context.Context) model.Health { return h }),
	)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	last := time.UnixMilli(1714564800123)

	type then struct {
		code int
		last any
	}
	var testCases = []struct {
		scenario string
		given    model.Health
		then     then
	}{
		{
			scenario: "up, engine never reached",
			given: model.Health{
				Status:  model.HealthUp,
				Scanner: model.SelfTest{Version: "7.94", TestRun: "successful"},
			},
			then: then{code: http.StatusOK, last: nil},
		},
		{
			scenario: "down",
			given: model.Health{
				Status:  model.HealthDown,
				Engine:  model.EngineHealth{LastSuccessfulConnection: &last},
				Scanner: model.SelfTest{Version: "7.94", TestRun: "failed"},
			},
			then: then{code: http.StatusServiceUnavailable, last: float64(1714564800123)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(newServer(tc.given).Handler())
			t.Cleanup(srv.Close)

			resp, err := http.Get(srv.URL + "/status")
			require.NoError(t, err)
			t.Cleanup(func() { _ = resp.Body.Close() })
			require.Equal(t, tc.then.code, resp.StatusCode)
			require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var doc map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
			require.Equal(t, "nmap.1234", doc["worker_id"])
			require.Equal(t, string(tc.given.Status), doc["healthcheck"])
			require.NotEmpty(t, doc["started_at"])
			require.Equal(t, map[string]any{"started": 3.0, "completed": 2.0, "failed": 1.0}, doc["status"])
			require.Equal(t, map[string]any{"last_successful_connection": tc.then.last}, doc["engine"])
			require.Equal(t, map[string]any{"version": "7.94", "test_run": tc.given.Scanner.TestRun}, doc["scanner"])
			require.Equal(t, map[string]any{
				"commit_id":      "deadbeef",
				"repository_url": "https://example.com/boxworker",
				"branch":         "main",
			}, doc["build"])
		})
	}
}

type versionless struct{}

func (versionless) Execute(context.Context, []json.RawMessage) (model.Result, error) {
	return model.Result{}, nil
}

func (versionless) SelfTest(context.Context) (model.SelfTest, error) {
	return model.SelfTest{TestRun: model.TestRunSuccessful}, nil
}

func TestStatus_Monitor(t *testing.T) {
	t.Parallel()
	var address model.URL
	require.NoError(t, address.UnmarshalText([]byte("http://127.0.0.1:1")))
	client, err := engine.NewClient(model.Engine{Address: address}, "nmap.1234", "nmap")
	require.NoError(t, err)

	var addr model.TCPAddr
	require.NoError(t, addr.UnmarshalText([]byte("127.0.0.1:0")))
	handler := status.NewServer(
		model.Status{Enabled: true, Addr: addr},
		"nmap.1234",
		model.Build{},
		counters{},
		health.NewMonitor(client, versionless{}),
	).Handler()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `"version":"unknown"`)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Equal(t, "UP", doc["healthcheck"])
	require.Equal(t, map[string]any{"last_successful_connection": nil}, doc["engine"])
	require.Equal(t, map[string]any{"version": "unknown", "test_run": "successful"}, doc["scanner"])
}

func TestRoot(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newServer(model.Health{Status: model.HealthDown}).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "nmap.1234", string(body))
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.JobFinished(metrics.OutcomeCompleted, time.Second)
	srv := httptest.NewServer(newServer(model.Health{}).WithGatherer(m.Registry()).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `boxworker_jobs_total{outcome="completed"} 1`)
}

func TestServe(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- newServer(model.Health{Status: model.HealthUp}).Serve(ctx, ln)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/status")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
