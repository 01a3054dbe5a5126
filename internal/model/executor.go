package model

import (
	"context"
	"encoding/json"
)

// Executor runs a scan over the targets of a claimed job
type Executor interface {
	Execute(ctx context.Context, targets []json.RawMessage) (Result, error)
}

// SelfTester is implemented by executors able to verify their own
// readiness. Executors without it are reported with unknown version and
// test run.
type SelfTester interface {
	SelfTest(ctx context.Context) (SelfTest, error)
}

// ExecutorFunc adapts an ordinary function to the Executor interface
type ExecutorFunc func(ctx context.Context, targets []json.RawMessage) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, targets []json.RawMessage) (Result, error) {
	return f(ctx, targets)
}
