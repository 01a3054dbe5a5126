// Package enginetest provides an in-memory engine speaking the external task
// protocol, for use in tests.
package enginetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/Boxworker/internal/model"
)

// Result is a result submission received by the engine
type Result struct {
	JobID       string          `json:"-"`
	Findings    []model.Finding `json:"findings"`
	RawFindings string          `json:"rawFindings"`
	ScannerID   string          `json:"scannerId"`
	ScannerType string          `json:"scannerType"`
}

// Failure is a failure submission received by the engine
type Failure struct {
	JobID string `json:"-"`
	model.Failure
}

// Claim is a lock request received by the engine
type Claim struct {
	Topic    string
	WorkerID string
	At       time.Time
}

type Engine struct {
	server *httptest.Server

	mx            sync.Mutex
	open          map[string][]model.Job
	locked        map[string]string
	claims        []Claim
	completed     []Result
	failed        []Failure
	lockStatus    int
	resultStatus  int
	failureStatus int
	user          string
	password      string
}

// New starts a new engine, which must be closed by Close
func New() *Engine {
	e := &Engine{
		open:   make(map[string][]model.Job),
		locked: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Use(e.basicAuth)
	r.Post("/box/jobs/lock/{topic}/{workerID}", e.lock)
	r.Post("/box/jobs/{jobID}/result", e.result)
	r.Post("/box/jobs/{jobID}/failure", e.failure)

	e.server = httptest.NewServer(r)
	return e
}

func (e *Engine) Close() {
	e.server.Close()
}

func (e *Engine) URL() string {
	return e.server.URL
}

// Config returns engine configuration pointing to this engine
func (e *Engine) Config() model.Engine {
	u, err := url.Parse(e.server.URL)
	if err != nil {
		panic(err)
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	return model.Engine{
		Address:   model.URL{URL: u},
		BasicAuth: model.BasicAuth{User: e.user, Password: e.password},
		Timeout:   5 * time.Second,
	}
}

// RequireBasicAuth makes the engine reject requests without given
// credentials
func (e *Engine) RequireBasicAuth(user, password string) *Engine {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.user, e.password = user, password
	return e
}

// RespondLock forces a status code of lock requests, zero restores
// the normal behavior
func (e *Engine) RespondLock(status int) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.lockStatus = status
}

func (e *Engine) RespondResult(status int) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.resultStatus = status
}

func (e *Engine) RespondFailure(status int) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.failureStatus = status
}

// AddJob enqueues a job with given targets and returns its id
func (e *Engine) AddJob(topic string, targets ...any) string {
	job := model.Job{
		ID:      uuid.NewString(),
		Targets: make([]json.RawMessage, 0, len(targets)),
	}
	for _, t := range targets {
		raw, err := json.Marshal(t)
		if err != nil {
			panic(err)
		}
		job.Targets = append(job.Targets, raw)
	}

	e.mx.Lock()
	defer e.mx.Unlock()
	e.open[topic] = append(e.open[topic], job)
	return job.ID
}

func (e *Engine) Open(topic string) int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return len(e.open[topic])
}

func (e *Engine) Claims() []Claim {
	e.mx.Lock()
	defer e.mx.Unlock()
	return append([]Claim(nil), e.claims...)
}

func (e *Engine) Completed() []Result {
	e.mx.Lock()
	defer e.mx.Unlock()
	return append([]Result(nil), e.completed...)
}

func (e *Engine) Failed() []Failure {
	e.mx.Lock()
	defer e.mx.Unlock()
	return append([]Failure(nil), e.failed...)
}

func (e *Engine) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mx.Lock()
		user, password := e.user, e.password
		e.mx.Unlock()

		if user != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != user || p != password {
				w.Header().Set("WWW-Authenticate", `Basic realm="engine"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (e *Engine) lock(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	workerID := chi.URLParam(r, "workerID")

	e.mx.Lock()
	e.claims = append(e.claims, Claim{Topic: topic, WorkerID: workerID, At: time.Now()})
	if e.lockStatus != 0 {
		status := e.lockStatus
		e.mx.Unlock()
		w.WriteHeader(status)
		return
	}
	jobs := e.open[topic]
	if len(jobs) == 0 {
		e.mx.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	job := jobs[0]
	e.open[topic] = jobs[1:]
	e.locked[job.ID] = workerID
	e.mx.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func (e *Engine) result(w http.ResponseWriter, r *http.Request) {
	var res Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res.JobID = chi.URLParam(r, "jobID")

	e.mx.Lock()
	defer e.mx.Unlock()
	if e.resultStatus != 0 {
		w.WriteHeader(e.resultStatus)
		return
	}
	if _, ok := e.locked[res.JobID]; !ok {
		http.Error(w, "job is not locked", http.StatusNotFound)
		return
	}
	delete(e.locked, res.JobID)
	e.completed = append(e.completed, res)
	w.WriteHeader(http.StatusOK)
}

func (e *Engine) failure(w http.ResponseWriter, r *http.Request) {
	var f Failure
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.JobID = chi.URLParam(r, "jobID")

	e.mx.Lock()
	defer e.mx.Unlock()
	if e.failureStatus != 0 {
		w.WriteHeader(e.failureStatus)
		return
	}
	if _, ok := e.locked[f.JobID]; !ok {
		http.Error(w, "job is not locked", http.StatusNotFound)
		return
	}
	delete(e.locked, f.JobID)
	e.failed = append(e.failed, f)
	w.WriteHeader(http.StatusOK)
}
