// Package executor owns the per-job workspace lifecycle, optional compile
// step (with cache), sandboxed invocation, and test-case iteration. It is
// the hard-engineering core of the service: every other component either
// feeds it a job or consumes its result.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelcode/sentinel/internal/api"
	"github.com/sentinelcode/sentinel/internal/cache"
	"github.com/sentinelcode/sentinel/internal/metrics"
	"github.com/sentinelcode/sentinel/internal/registry"
)

// defaultCompileTimeout applies when a descriptor's compile step does not
// specify one.
const defaultCompileTimeout = 10 * time.Second

// Request bundles everything the Executor needs to run one submission.
type Request struct {
	Descriptor registry.Descriptor
	Code       string
	Stdin      string
	TestCases  []api.TestCase
}

// Executor runs submissions against their language's descriptor. It holds
// no per-job state; every field is immutable configuration shared across
// concurrent Run calls.
type Executor struct {
	workspaceRoot string
	cache         *cache.Store
	log           *logrus.Entry

	process sandbox
	docker  sandbox

	// Metrics is optional; when set, cache hits/misses observed during
	// compile are recorded against it. A caller that doesn't need metrics
	// (tests, standalone tooling) can leave it nil.
	Metrics *metrics.Metrics
}

// New builds an Executor. The Docker sandbox, if no descriptor ever
// requests it, costs nothing beyond one daemon probe at startup (logged
// only when it fails).
func New(workspaceRoot string, store *cache.Store, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		workspaceRoot: workspaceRoot,
		cache:         store,
		log:           log,
		process:       newProcessSandbox(log),
		docker:        newDockerSandbox(log),
	}
}

func (e *Executor) sandboxFor(desc registry.Descriptor) sandbox {
	if desc.Sandbox == registry.SandboxDocker {
		return e.docker
	}
	return e.process
}

// Run materializes a workspace, compiles if needed, executes (once or per
// test case), and always destroys the workspace before returning.
func (e *Executor) Run(ctx context.Context, req Request) api.ExecutionResult {
	workspace, err := os.MkdirTemp(e.workspaceRoot, "job-*")
	if err != nil {
		return api.ExecutionResult{Status: api.StatusError, Error: fmt.Sprintf("failed to create workspace: %v", err)}
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			e.log.WithError(err).WithField("workspace", workspace).Warn("failed to clean up workspace")
		}
	}()

	sourcePath := filepath.Join(workspace, req.Descriptor.SourceFilename())
	if err := os.WriteFile(sourcePath, []byte(req.Code), 0o644); err != nil {
		return api.ExecutionResult{Status: api.StatusError, Error: fmt.Sprintf("failed to write source: %v", err)}
	}

	if req.Descriptor.Compile != nil {
		start := time.Now()
		if failMsg := e.compile(ctx, req.Descriptor, workspace, sourcePath, []byte(req.Code)); failMsg != "" {
			return api.ExecutionResult{
				Status:        api.StatusError,
				Error:         failMsg,
				ExecutionTime: time.Since(start).Milliseconds(),
			}
		}
	}

	runArgs := substituteAll(req.Descriptor.Args, sourcePath, workspace, req.Descriptor.SourceFilename())

	if len(req.TestCases) == 0 {
		return e.runOnce(ctx, req.Descriptor, workspace, runArgs, req.Stdin)
	}
	return e.runTestCases(ctx, req.Descriptor, workspace, runArgs, req.TestCases)
}

// compile performs the cache-aware compile step. An empty return means
// compilation succeeded (via cache hit or a fresh build); a non-empty
// return is the error string to surface verbatim to the caller.
func (e *Executor) compile(ctx context.Context, desc registry.Descriptor, workspace, sourcePath string, source []byte) string {
	key := cache.Key(desc.Name, desc.Compile.Command, desc.Compile.Args, source)
	marker := desc.CacheMarker()

	if marker != "" {
		hit := e.cache.Has(desc.Name, key, marker)
		e.recordCacheLookup(desc.Name, hit)
		if hit {
			if err := e.materializeCacheHit(desc, key, marker, workspace); err == nil {
				return ""
			}
			// A corrupt or partially-written cache entry falls through to
			// a fresh compile rather than failing the job.
			e.log.WithField("language", desc.Name).WithField("key", key).Warn("cache hit failed to materialize, recompiling")
		}
	}

	compileArgs := substituteAll(desc.Compile.Args, sourcePath, workspace, desc.SourceFilename())
	timeout := desc.Compile.Timeout
	if timeout <= 0 {
		timeout = defaultCompileTimeout
	}

	outcome := e.sandboxFor(desc).run(ctx, runRequest{
		Descriptor: desc,
		Workspace:  workspace,
		Command:    desc.Compile.Command,
		Args:       compileArgs,
		Timeout:    timeout,
	})

	if outcome.Failure != failNone || outcome.ExitCode != 0 {
		detail := strings.TrimSpace(outcome.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(outcome.Stdout)
		}
		if outcome.Failure == failTimeout {
			detail = "Execution timeout"
		}
		return fmt.Sprintf("Compilation failed: %s", detail)
	}

	if marker != "" {
		e.publishCacheEntry(desc, key, marker, workspace)
	}
	return ""
}

// recordCacheLookup observes one compile-cache lookup against e.Metrics,
// if set.
func (e *Executor) recordCacheLookup(language string, hit bool) {
	if e.Metrics == nil {
		return
	}
	if hit {
		e.Metrics.CacheHits.WithLabelValues(language).Inc()
	} else {
		e.Metrics.CacheMisses.WithLabelValues(language).Inc()
	}
}

// materializeCacheHit copies the cached artifact set for family into
// workspace.
func (e *Executor) materializeCacheHit(desc registry.Descriptor, key, marker, workspace string) error {
	switch desc.CacheFamily {
	case registry.CacheFamilyBinary:
		return e.cache.CopyFileInto(desc.Name, key, marker, workspace)
	case registry.CacheFamilyJVM:
		return e.cache.CopyDirInto(desc.Name, key, "", workspace)
	case registry.CacheFamilyTranspiled:
		return e.cache.CopyDirInto(desc.Name, key, "dist", workspace)
	default:
		return fmt.Errorf("no cache family configured")
	}
}

// publishCacheEntry best-effort publishes a freshly built artifact set.
func (e *Executor) publishCacheEntry(desc registry.Descriptor, key, marker, workspace string) {
	switch desc.CacheFamily {
	case registry.CacheFamilyBinary:
		e.cache.PublishFile(desc.Name, key, filepath.Join(workspace, marker), marker)
	case registry.CacheFamilyJVM:
		e.cache.PublishDir(desc.Name, key, "", workspace)
	case registry.CacheFamilyTranspiled:
		e.cache.PublishDir(desc.Name, key, "dist", filepath.Join(workspace, "dist"))
	}
}

func (e *Executor) runOnce(ctx context.Context, desc registry.Descriptor, workspace string, args []string, stdin string) api.ExecutionResult {
	start := time.Now()
	outcome := e.sandboxFor(desc).run(ctx, runRequest{
		Descriptor: desc,
		Workspace:  workspace,
		Command:    desc.Command,
		Args:       args,
		Stdin:      stdin,
		Timeout:    desc.Timeout,
	})
	elapsed := time.Since(start).Milliseconds()

	if outcome.Failure != failNone {
		return api.ExecutionResult{
			Status:        api.StatusError,
			Error:         failureMessage(outcome),
			ExecutionTime: elapsed,
		}
	}

	return api.ExecutionResult{
		Status:        api.StatusSuccess,
		Output:        outcome.Stdout,
		Error:         outcome.Stderr,
		ExecutionTime: elapsed,
	}
}

func (e *Executor) runTestCases(ctx context.Context, desc registry.Descriptor, workspace string, args []string, cases []api.TestCase) api.ExecutionResult {
	results := make([]api.TestCaseResult, len(cases))

	for i, tc := range cases {
		start := time.Now()
		outcome := e.sandboxFor(desc).run(ctx, runRequest{
			Descriptor: desc,
			Workspace:  workspace,
			Command:    desc.Command,
			Args:       args,
			Stdin:      tc.Input,
			Timeout:    desc.Timeout,
		})
		elapsed := time.Since(start).Milliseconds()

		if outcome.Failure != failNone {
			results[i] = api.TestCaseResult{
				Input:         tc.Input,
				Expected:      tc.Expected,
				Passed:        false,
				Error:         failureMessage(outcome),
				ExecutionTime: elapsed,
			}
			continue
		}

		actual := strings.TrimSpace(outcome.Stdout)
		expected := strings.TrimSpace(tc.Expected)
		results[i] = api.TestCaseResult{
			Input:         tc.Input,
			Expected:      tc.Expected,
			ActualOutput:  actual,
			Passed:        actual == expected,
			ExecutionTime: elapsed,
		}
	}

	return api.ExecutionResult{
		Status:    api.StatusSuccess,
		TestCases: results,
	}
}

func failureMessage(outcome runOutcome) string {
	switch outcome.Failure {
	case failTimeout:
		return "Execution timeout"
	case failOutputCap:
		return "Output size exceeded limit"
	case failSandboxDown:
		return "docker unavailable"
	default:
		if outcome.Detail != "" {
			return outcome.Detail
		}
		return "execution failed"
	}
}

// substituteAll applies the {file}/{dir}/{filename} token substitutions the
// language config format uses for both compile and run argv.
func substituteAll(args []string, sourcePath, workspace, filename string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, "{file}", sourcePath)
		a = strings.ReplaceAll(a, "{dir}", workspace)
		a = strings.ReplaceAll(a, "{filename}", filename)
		out[i] = a
	}
	return out
}
