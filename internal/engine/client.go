// Package engine implements the worker side of the engine's external task
// protocol: claim a job, submit a result and submit a failure.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Boxworker/internal/log"
	"github.com/CZERTAINLY/Boxworker/internal/metrics"
	"github.com/CZERTAINLY/Boxworker/internal/model"
)

const (
	contentType = "application/json"

	opClaim   = "claim"
	opResult  = "result"
	opFailure = "failure"

	// error responses are logged up to this size
	maxErrorBody = 4096
)

var ErrUnexpectedStatus = errors.New("unexpected status")

// Metrics receives observations about engine requests
type Metrics interface {
	EngineRequest(operation, outcome string, d time.Duration)
	EngineConnected(at time.Time)
}

type nopMetrics struct{}

func (nopMetrics) EngineRequest(string, string, time.Duration) {}
func (nopMetrics) EngineConnected(time.Time)                   {}

// Client talks to the engine. It remembers the time of the last HTTP
// response with a success status, transport failures and error statuses
// never update it.
type Client struct {
	baseURL     model.URL
	auth        model.BasicAuth
	client      *http.Client
	scannerID   string
	scannerType string
	metrics     Metrics
	now         func() time.Time
	lastConn    atomic.Int64 // unix nanos, zero means never
}

// NewClient returns a client for an engine on a given address. scannerID
// identifies this worker instance and scannerType its kind, both are part
// of every submission.
func NewClient(cfg model.Engine, scannerID, scannerType string) (*Client, error) {
	u := cfg.Address.AsURL()
	if u == nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("please define the engine address with a scheme, e.g. `http://engine:8080`")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported engine address scheme %q", u.Scheme)
	}
	if scannerID == "" {
		return nil, errors.New("scanner id is empty")
	}

	return &Client{
		baseURL:     cfg.Address.Clone(),
		auth:        cfg.BasicAuth,
		client:      &http.Client{Timeout: cfg.Timeout},
		scannerID:   scannerID,
		scannerType: scannerType,
		metrics:     nopMetrics{},
		now:         time.Now,
	}, nil
}

// WithHTTPClient replaces the underlying http client
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	c.client = client
	return c
}

func (c *Client) WithMetrics(m Metrics) *Client {
	if m == nil {
		m = nopMetrics{}
	}
	c.metrics = m
	return c
}

// WithClock changes the source of connection timestamps.
// This method exists for a unit testing only.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// ClaimJob asks the engine to lock the next job of a topic for a worker.
// It returns false when there is no work as well as when the engine can't
// be reached or responds with garbage. The reason is logged.
func (c *Client) ClaimJob(ctx context.Context, topic, workerID string) (model.Job, bool) {
	u := c.baseURL.JoinPath("box", "jobs", "lock", topic, workerID)
	ctx = withOperation(ctx, opClaim)

	start := time.Now()
	resp, err := c.post(ctx, u, struct{}{})
	if err != nil {
		c.metrics.EngineRequest(opClaim, metrics.OutcomeUnreachable, time.Since(start))
		slog.WarnContext(ctx, "engine is unreachable", "topic", topic, "error", err)
		return model.Job{}, false
	}
	defer closeBody(resp)

	switch {
	case resp.StatusCode == http.StatusNoContent:
		c.connected()
		c.metrics.EngineRequest(opClaim, metrics.OutcomeNoJob, time.Since(start))
		slog.DebugContext(ctx, "no job available", "topic", topic)
		return model.Job{}, false
	case success(resp.StatusCode):
		c.connected()
		job, err := decodeJob(resp.Body)
		if err != nil {
			c.metrics.EngineRequest(opClaim, metrics.OutcomeError, time.Since(start))
			slog.ErrorContext(ctx, "claimed job can't be decoded", "topic", topic, "error", err)
			return model.Job{}, false
		}
		c.metrics.EngineRequest(opClaim, metrics.OutcomeOK, time.Since(start))
		slog.DebugContext(ctx, "job claimed", "topic", topic, "job_id", job.ID, "targets", len(job.Targets))
		return job, true
	default:
		c.metrics.EngineRequest(opClaim, metrics.OutcomeError, time.Since(start))
		slog.ErrorContext(ctx, "claiming a job failed", "topic", topic, "error", statusError(resp))
		return model.Job{}, false
	}
}

func decodeJob(r io.Reader) (model.Job, error) {
	var job model.Job
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return model.Job{}, fmt.Errorf("decoding json response failed: %w", err)
	}
	if job.ID == "" {
		return model.Job{}, errors.New("received job without jobId")
	}
	return job, nil
}

type resultRequest struct {
	Findings    []model.Finding `json:"findings"`
	RawFindings string          `json:"rawFindings"`
	ScannerID   string          `json:"scannerId"`
	ScannerType string          `json:"scannerType"`
}

// SubmitResult reports a successful execution of a job
func (c *Client) SubmitResult(ctx context.Context, jobID string, result model.Result) error {
	findings := result.Findings
	if findings == nil {
		findings = []model.Finding{}
	}
	body := resultRequest{
		Findings:    findings,
		RawFindings: string(result.Raw),
		ScannerID:   c.scannerID,
		ScannerType: c.scannerType,
	}

	ctx = withOperation(ctx, opResult)
	err := c.submit(ctx, opResult, c.baseURL.JoinPath("box", "jobs", jobID, "result"), body)
	if err != nil {
		slog.ErrorContext(ctx, "submitting result failed", "job_id", jobID, "error", err)
		return err
	}
	slog.DebugContext(ctx, "result submitted", "job_id", jobID, "findings", len(findings))
	return nil
}

// SubmitFailure reports an unsuccessful execution of a job. If the report
// can't be delivered, the job stays locked until the engine's lock expires.
func (c *Client) SubmitFailure(ctx context.Context, jobID string, jobErr error) error {
	body := model.NewFailure(jobErr)
	body.ScannerID = c.scannerID

	ctx = withOperation(ctx, opFailure)
	err := c.submit(ctx, opFailure, c.baseURL.JoinPath("box", "jobs", jobID, "failure"), body)
	if err != nil {
		slog.ErrorContext(ctx, "failure report abandoned", "job_id", jobID, "job_error", jobErr, "error", err)
		return err
	}
	slog.DebugContext(ctx, "failure submitted", "job_id", jobID, "error_message", body.ErrorMessage)
	return nil
}

// LastSuccessfulConnection returns the time of the last successful response
// from the engine or false if there was none.
func (c *Client) LastSuccessfulConnection() (time.Time, bool) {
	n := c.lastConn.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

func (c *Client) submit(ctx context.Context, op string, u *url.URL, body any) error {
	start := time.Now()
	resp, err := c.post(ctx, u, body)
	if err != nil {
		c.metrics.EngineRequest(op, metrics.OutcomeUnreachable, time.Since(start))
		return fmt.Errorf("sending %s: %w", op, err)
	}
	defer closeBody(resp)

	if !success(resp.StatusCode) {
		c.metrics.EngineRequest(op, metrics.OutcomeError, time.Since(start))
		return statusError(resp)
	}
	c.connected()
	c.metrics.EngineRequest(op, metrics.OutcomeOK, time.Since(start))
	return nil
}

func (c *Client) post(ctx context.Context, u *url.URL, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	if c.auth.Enabled() {
		req.SetBasicAuth(c.auth.User, c.auth.Password)
	}
	return c.client.Do(req)
}

func (c *Client) connected() {
	now := c.now()
	c.lastConn.Store(now.UnixNano())
	c.metrics.EngineConnected(now)
}

func success(code int) bool {
	return code >= 200 && code < 300
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%w %d, body: %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

func withOperation(ctx context.Context, op string) context.Context {
	return log.ContextAttrs(ctx, slog.String("operation", op))
}
