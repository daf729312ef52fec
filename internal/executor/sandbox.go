package executor

import (
	"context"
	"time"

	"github.com/sentinelcode/sentinel/internal/registry"
)

// runRequest is what a sandbox needs to invoke one command once.
type runRequest struct {
	Descriptor registry.Descriptor
	Workspace  string
	Command    string
	Args       []string
	Stdin      string
	Timeout    time.Duration
}

// Failure classes a sandbox can report in runOutcome.Failure. A run that
// reached a normal exit (whatever its exit code) reports failNone.
const (
	failNone          = ""
	failTimeout       = "Execution timeout"
	failOutputCap     = "Output size exceeded limit"
	failSpawn         = "spawn"
	failSandboxDown   = "docker unavailable"
)

// runOutcome is the sandbox-agnostic result of one invocation.
type runOutcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Failure  string // one of the fail* constants, or failNone
	Detail   string // human-readable detail for Failure, when relevant
}

// sandbox is implemented once per isolation strategy (direct process,
// Docker container). The Executor selects an implementation per descriptor
// and is otherwise oblivious to how isolation is achieved.
type sandbox interface {
	run(ctx context.Context, req runRequest) runOutcome
}
