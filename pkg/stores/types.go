package stores

import (
	"context"
	"time"
)

// RunStatus is the state of a journaled run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Outcome is the result of a single backend attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Run is one invocation of the agent.
type Run struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Status      RunStatus  `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Username    string     `json:"username"`
	Hostname    string     `json:"hostname"`
	TraceID     string     `json:"trace_id,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Attempt is one backend tried for one resource during a run.
type Attempt struct {
	ID        int64         `json:"id"`
	RunID     string        `json:"run_id"`
	Resource  string        `json:"resource"`
	Backend   string        `json:"backend"`
	Outcome   Outcome       `json:"outcome"`
	Error     *string       `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// RunResult closes a run.
type RunResult struct {
	Status   RunStatus
	ExitCode int
	Source   string
	Username string
	Hostname string
	Error    error
}

// Journal is the write side used by the agent.
type Journal interface {
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, result RunResult) error
	RecordAttempt(ctx context.Context, attempt *Attempt) error
}

// Store is the full journal including queries.
type Store interface {
	Journal

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListAttempts(ctx context.Context, runID string) ([]*Attempt, error)
}
