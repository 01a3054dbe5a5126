package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/Boxworker/internal/log"
	"github.com/CZERTAINLY/Boxworker/internal/metrics"
	"github.com/CZERTAINLY/Boxworker/internal/model"
)

var (
	ErrJobInProgress = errors.New("job in progress")
	ErrNotStarted    = errors.New("poller not started")
	ErrStarted       = errors.New("poller already started")
)

// Engine is the part of the engine client used by the poller
type Engine interface {
	ClaimJob(ctx context.Context, topic, workerID string) (model.Job, bool)
	SubmitResult(ctx context.Context, jobID string, result model.Result) error
	SubmitFailure(ctx context.Context, jobID string, err error) error
}

// Metrics receives observations about executed jobs
type Metrics interface {
	JobFinished(outcome string, d time.Duration)
	JobInFlight(inFlight bool)
}

type nopMetrics struct{}

func (nopMetrics) JobFinished(string, time.Duration) {}
func (nopMetrics) JobInFlight(bool)                  {}

// State of the job lifecycle
type State int32

const (
	Idle State = iota
	Claiming
	Working
	Reporting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Claiming:
		return "claiming"
	case Working:
		return "working"
	case Reporting:
		return "reporting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DefaultStopTimeout bounds how long Stop waits for a running job
const DefaultStopTimeout = 10 * time.Second

type Config struct {
	WorkerID string
	Topic    string
	Poll     model.Poll
	// StopTimeout is how long Stop waits for a job in progress, zero means
	// DefaultStopTimeout. The job keeps running and reports after that.
	StopTimeout time.Duration
}

type Poller struct {
	engine   Engine
	executor model.Executor
	cfg      Config
	metrics  Metrics

	inflight *semaphore.Weighted
	state    atomic.Int32

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	mx        sync.Mutex
	scheduler gocron.Scheduler
}

func NewPoller(engine Engine, executor model.Executor, cfg Config) (*Poller, error) {
	if engine == nil {
		return nil, errors.New("engine is nil")
	}
	if executor == nil {
		return nil, errors.New("executor is nil")
	}
	if cfg.WorkerID == "" || cfg.Topic == "" {
		return nil, errors.New("worker id and topic must be set")
	}
	if cfg.Poll.Cron == "" && cfg.Poll.Interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}

	return &Poller{
		engine:   engine,
		executor: executor,
		cfg:      cfg,
		metrics:  nopMetrics{},
		inflight: semaphore.NewWeighted(1),
	}, nil
}

func (p *Poller) WithMetrics(m Metrics) *Poller {
	if m == nil {
		m = nopMetrics{}
	}
	p.metrics = m
	return p
}

// Counters returns a snapshot of task counters
func (p *Poller) Counters() model.TaskCounters {
	return model.TaskCounters{
		Started:   p.started.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Poller) State() State {
	return State(p.state.Load())
}

// Start schedules Poll on every tick, the first tick fires immediately.
// The ctx is used for all jobs started by the schedule.
func (p *Poller) Start(ctx context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.scheduler != nil {
		return ErrStarted
	}

	if p.cfg.Poll.Timeout == 0 {
		slog.WarnContext(ctx, "job has no timeout, a hung executor blocks the worker", "topic", p.cfg.Topic)
	}

	s, err := newScheduler(ctx, p.cfg.Poll, p.stopTimeout(), func() {
		err := p.Poll(ctx)
		if errors.Is(err, ErrJobInProgress) {
			slog.DebugContext(ctx, "tick skipped", "state", p.State().String())
		}
	})
	if err != nil {
		return err
	}
	s.Start()
	p.scheduler = s
	slog.InfoContext(ctx, "polling started", "topic", p.cfg.Topic, "interval", p.cfg.Poll.Interval.String(), "cron", p.cfg.Poll.Cron)
	return nil
}

// Stop halts the schedule. A job in progress is never canceled, Stop waits
// for it up to the stop timeout and then leaves it to finish and report on
// its own. Calling Stop on a stopped poller is a no-op.
func (p *Poller) Stop() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.scheduler == nil {
		return nil
	}
	err := p.scheduler.Shutdown()
	p.scheduler = nil
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocron.ErrStopJobsTimedOut),
		errors.Is(err, gocron.ErrStopExecutorTimedOut),
		errors.Is(err, gocron.ErrStopSchedulerTimedOut):
		slog.Warn("job still in progress after stop, it reports when done",
			"topic", p.cfg.Topic,
			"state", p.State().String(),
			"stop_timeout", p.stopTimeout().String(),
		)
		return nil
	default:
		return fmt.Errorf("shutting down scheduler: %w", err)
	}
}

func (p *Poller) stopTimeout() time.Duration {
	if p.cfg.StopTimeout > 0 {
		return p.cfg.StopTimeout
	}
	return DefaultStopTimeout
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	slog.DebugContext(ctx, "stopping the poller")
	return p.Stop()
}

// Poll is a single tick. It returns ErrJobInProgress if previous job is
// still outstanding, otherwise it claims a job and processes it. Engine and
// executor errors are handled here and never returned.
func (p *Poller) Poll(ctx context.Context) error {
	if !p.inflight.TryAcquire(1) {
		return ErrJobInProgress
	}
	defer func() {
		p.setState(Idle)
		p.inflight.Release(1)
	}()

	p.setState(Claiming)
	job, ok := p.engine.ClaimJob(ctx, p.cfg.Topic, p.cfg.WorkerID)
	if !ok {
		return nil
	}

	p.started.Add(1)
	p.metrics.JobInFlight(true)
	defer p.metrics.JobInFlight(false)

	ctx = log.ContextAttrs(ctx, slog.String("job_id", job.ID))
	slog.InfoContext(ctx, "job started", "targets", len(job.Targets))

	p.setState(Working)
	start := time.Now()
	result, err := p.execute(ctx, job.Targets)
	elapsed := time.Since(start)

	p.setState(Reporting)
	// report even if ctx was canceled meanwhile
	reportCtx := context.WithoutCancel(ctx)
	if err != nil {
		p.failed.Add(1)
		p.metrics.JobFinished(metrics.OutcomeFailed, elapsed)
		slog.ErrorContext(ctx, "job failed", "elapsed", elapsed.String(), "error", err)
		_ = p.engine.SubmitFailure(reportCtx, job.ID, err)
		return nil
	}

	slog.InfoContext(ctx, "job completed", "elapsed", elapsed.String(), "findings", len(result.Findings))
	submitErr := p.engine.SubmitResult(reportCtx, job.ID, result)
	// the job itself succeeded, it is completed even if the engine missed it
	p.completed.Add(1)
	p.metrics.JobFinished(metrics.OutcomeCompleted, elapsed)
	if submitErr != nil {
		jobErr := model.NewJobError(model.KindSubmissionError, "result can't be submitted: %s", submitErr)
		_ = p.engine.SubmitFailure(reportCtx, job.ID, jobErr)
	}
	return nil
}

func (p *Poller) execute(ctx context.Context, targets []json.RawMessage) (result model.Result, err error) {
	if p.cfg.Poll.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Poll.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "executor panicked", "panic", r, "stack", string(debug.Stack()))
			result = model.Result{}
			err = model.NewJobError(model.KindPanic, "%v", r)
		}
	}()

	result, err = p.executor.Execute(ctx, targets)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &model.JobError{Kind: model.KindTimeout, Message: fmt.Sprintf("job exceeded %s: %s", p.cfg.Poll.Timeout, err)}
	}
	return result, err
}

func (p *Poller) setState(s State) {
	p.state.Store(int32(s))
}

func newScheduler(ctx context.Context, cfg model.Poll, stopTimeout time.Duration, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing poll.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Interval > 0:
		job = gocron.DurationJob(cfg.Interval)
	default:
		return nil, errors.New("both poll.cron and poll.interval are empty")
	}

	s, err := gocron.NewScheduler(gocron.WithStopTimeout(stopTimeout))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
