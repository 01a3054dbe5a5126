// Package health derives the worker's health from the executor's self test.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Boxworker/internal/model"
)

// Connectivity reports the last time the engine responded
type Connectivity interface {
	LastSuccessfulConnection() (time.Time, bool)
}

type Monitor struct {
	conn     Connectivity
	executor model.Executor
}

func NewMonitor(conn Connectivity, executor model.Executor) *Monitor {
	return &Monitor{conn: conn, executor: executor}
}

// Check runs the executor's self test and returns the current health. The
// worker is UP only when the self test succeeded, the engine connectivity is
// reported, but does not change the status.
func (m *Monitor) Check(ctx context.Context) model.Health {
	health := model.Health{
		Scanner: m.selfTest(ctx),
	}
	if m.conn != nil {
		if last, ok := m.conn.LastSuccessfulConnection(); ok {
			health.Engine.LastSuccessfulConnection = &last
		}
	}

	health.Status = model.HealthDown
	if health.Scanner.TestRun == model.TestRunSuccessful {
		health.Status = model.HealthUp
	}
	return health
}

func (m *Monitor) selfTest(ctx context.Context) model.SelfTest {
	tester, ok := m.executor.(model.SelfTester)
	if !ok {
		return model.SelfTest{Version: model.Unknown, TestRun: model.Unknown}
	}

	st, err := tester.SelfTest(ctx)
	if err != nil {
		slog.WarnContext(ctx, "self test failed", "error", err)
		st.TestRun = model.TestRunFailed
	}
	if st.Version == "" {
		st.Version = model.Unknown
	}
	if st.TestRun == "" {
		st.TestRun = model.Unknown
	}
	return st
}
