package model

import "time"

const (
	TestRunSuccessful = "successful"
	TestRunFailed     = "failed"
	Unknown           = "unknown"
)

// HealthStatus is UP or DOWN
type HealthStatus string

const (
	HealthUp   HealthStatus = "UP"
	HealthDown HealthStatus = "DOWN"
)

// SelfTest is an outcome of executor's self test
type SelfTest struct {
	Version string `json:"version"`
	TestRun string `json:"test_run"`
}

// Health is derived on every request and never cached
type Health struct {
	Status  HealthStatus
	Engine  EngineHealth
	Scanner SelfTest
}

type EngineHealth struct {
	// LastSuccessfulConnection is nil until the engine responded for the
	// first time
	LastSuccessfulConnection *time.Time
}
