// Package worker implements the job lifecycle of a box worker.
//
// A Poller asks the engine for a job on every tick of its schedule. When it
// gets one it runs the executor with the job's targets and reports exactly
// one outcome: a result on success or a failure otherwise. At most one job
// is outstanding at any time, ticks arriving while a job is being executed
// or reported are no-ops.
//
//	Idle -> Claiming -> Idle                       (no job)
//	Idle -> Claiming -> Working -> Reporting -> Idle
//
// No error terminates the poller, the next tick is the retry. Stop only
// halts the schedule, it never interrupts a running job.
package worker
