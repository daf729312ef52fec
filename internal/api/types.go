// Package api defines the data types shared across the dispatcher, worker,
// and broker boundary. Nothing in this package talks to the network or the
// filesystem; it is pure data.
package api

import "time"

// TestCase is one input/expected pair supplied with a submission.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// TestCaseResult is the outcome of running the program against one TestCase.
type TestCaseResult struct {
	Input         string `json:"input"`
	Expected      string `json:"expected"`
	ActualOutput  string `json:"actualOutput"`
	Passed        bool   `json:"passed"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"executionTime"`
}

// Status values for ExecutionResult.Status.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ExecutionResult is what the Executor hands back to the Worker, and what
// the Worker stores as the job's return value in the broker.
type ExecutionResult struct {
	Output        string           `json:"output"`
	Error         string           `json:"error,omitempty"`
	ExecutionTime int64            `json:"executionTime"`
	Status        string           `json:"status"`
	TestCases     []TestCaseResult `json:"testCases,omitempty"`
}

// Job state values, shared by the broker and the dispatcher's HTTP mapping.
const (
	JobQueued    = "queued"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is the durable record a submission becomes once accepted. Language
// descriptors are looked up by Language at execution time, never embedded.
type Job struct {
	ID        string     `json:"id"`
	Language  string     `json:"language"`
	Code      string     `json:"code"`
	Input     string     `json:"input,omitempty"`
	TestCases []TestCase `json:"testCases,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Attempts  int        `json:"attempts,omitempty"`
}

// MaxAttempts bounds the broker's retry policy: a job passed to Broker.Fail
// is re-enqueued until it has been attempted this many times in total, and
// is then marked permanently failed.
const MaxAttempts = 3

// ExecuteRequest is the POST /execute request body.
type ExecuteRequest struct {
	Code      string     `json:"code"`
	Language  string     `json:"language"`
	Input     string     `json:"input,omitempty"`
	TestCases []TestCase `json:"testCases,omitempty"`
}

// ExecuteResponse is the POST /execute response body.
type ExecuteResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// JobStatusResponse is the GET /job/:id response body. Fields only make
// sense together with Status: Progress is set while active, the execution
// fields are set once completed, and Error carries the failure reason once
// failed.
type JobStatusResponse struct {
	ID            string           `json:"id"`
	Status        string           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Progress      int              `json:"progress,omitempty"`
	Output        string           `json:"output,omitempty"`
	Error         string           `json:"error,omitempty"`
	ExecutionTime int64            `json:"executionTime,omitempty"`
	TestCases     []TestCaseResult `json:"testCases,omitempty"`
	Message       string           `json:"message,omitempty"`
}

// QueueSnapshot is a read-only, point-in-time view of one queue's counters.
type QueueSnapshot struct {
	Language   string `json:"language"`
	InstanceID string `json:"containerId"`
	Waiting    int64  `json:"waiting"`
	Active     int64  `json:"active"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
	TotalJobs  int64  `json:"totalJobs"`
}

// LoadResponse is the GET /load response body.
type LoadResponse struct {
	Timestamp    time.Time       `json:"timestamp"`
	Containers   []QueueSnapshot `json:"containers"`
	TotalWaiting int64           `json:"totalWaiting"`
	TotalActive  int64           `json:"totalActive"`
}

// Health status values for HealthResponse.Status and per-queue readiness.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Redis     string            `json:"redis"`
	Queues    map[string]string `json:"queues"`
}

// LanguageInfo is the public, client-facing view of a registered language.
type LanguageInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// LanguagesResponse is the GET /languages response body.
type LanguagesResponse struct {
	Languages []LanguageInfo `json:"languages"`
	Count     int            `json:"count"`
}
