package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/sentinelcode/sentinel/internal/api"
	"github.com/sentinelcode/sentinel/internal/cache"
	"github.com/sentinelcode/sentinel/internal/registry"
)

// fakeSandbox lets tests drive the Executor's orchestration logic without
// spawning real processes. script is consumed one outcome per call to run;
// the last entry repeats once exhausted.
type fakeSandbox struct {
	script []runOutcome
	calls  int
}

func (f *fakeSandbox) run(ctx context.Context, req runRequest) runOutcome {
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	return f.script[idx]
}

func newTestExecutor(t *testing.T, process sandbox) *Executor {
	t.Helper()
	root := t.TempDir()
	store, err := cache.NewStore(filepath.Join(root, "cache"), 16, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	workspaceRoot := filepath.Join(root, "workspaces")
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		t.Fatalf("mkdir workspace root: %v", err)
	}
	return &Executor{
		workspaceRoot: workspaceRoot,
		cache:         store,
		log:           logrus.NewEntry(logrus.New()),
		process:       process,
		docker:        process,
	}
}

func pythonDescriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:        "python",
		DisplayName: "Python",
		Extension:   ".py",
		Command:     "python3",
		Args:        []string{"{file}"},
		Timeout:     5000,
	}
}

func cppDescriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:        "cpp",
		DisplayName: "C++",
		Extension:   ".cpp",
		Command:     "./program",
		Args:        []string{},
		Timeout:     5000,
		CacheFamily: registry.CacheFamilyBinary,
		Compile: &registry.CompileStep{
			Command: "g++",
			Args:    []string{"{file}", "-o", "{dir}/program"},
			Timeout: 10000,
		},
	}
}

func TestExecutor_SingleRunSuccess(t *testing.T) {
	fake := &fakeSandbox{script: []runOutcome{{Stdout: "hello\n", ExitCode: 0}}}
	exec := newTestExecutor(t, fake)

	result := exec.Run(context.Background(), Request{Descriptor: pythonDescriptor(), Code: "print('hello')"})

	if result.Status != api.StatusSuccess {
		t.Fatalf("expected success, got status=%q error=%q", result.Status, result.Error)
	}
	if result.Output != "hello\n" {
		t.Errorf("unexpected output: %q", result.Output)
	}
}

func TestExecutor_SingleRunTimeout(t *testing.T) {
	fake := &fakeSandbox{script: []runOutcome{{Failure: failTimeout}}}
	exec := newTestExecutor(t, fake)

	result := exec.Run(context.Background(), Request{Descriptor: pythonDescriptor(), Code: "while True: pass"})

	if result.Status != api.StatusError {
		t.Fatalf("expected error status, got %q", result.Status)
	}
	if result.Error != "Execution timeout" {
		t.Errorf("expected timeout error message, got %q", result.Error)
	}
}

func TestExecutor_OutputCapExceeded(t *testing.T) {
	fake := &fakeSandbox{script: []runOutcome{{Failure: failOutputCap}}}
	exec := newTestExecutor(t, fake)

	result := exec.Run(context.Background(), Request{Descriptor: pythonDescriptor(), Code: "print('x'*2000000)"})

	if result.Status != api.StatusError || result.Error != "Output size exceeded limit" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecutor_TestCaseIteration(t *testing.T) {
	fake := &fakeSandbox{script: []runOutcome{
		{Stdout: " 10 \n"},
		{Stdout: "0"},
		{Stdout: "-6"},
	}}
	exec := newTestExecutor(t, fake)

	cases := []api.TestCase{
		{Input: "5", Expected: "10"},
		{Input: "0", Expected: "0"},
		{Input: "-3", Expected: "-6"},
	}
	result := exec.Run(context.Background(), Request{Descriptor: pythonDescriptor(), Code: "...", TestCases: cases})

	if result.Status != api.StatusSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.TestCases) != 3 {
		t.Fatalf("expected 3 test case results, got %d", len(result.TestCases))
	}
	for i, tc := range result.TestCases {
		if !tc.Passed {
			t.Errorf("case %d: expected pass, got actualOutput=%q error=%q", i, tc.ActualOutput, tc.Error)
		}
	}
}

func TestExecutor_TestCaseFailureContinues(t *testing.T) {
	fake := &fakeSandbox{script: []runOutcome{
		{Failure: failTimeout},
		{Stdout: "0"},
	}}
	exec := newTestExecutor(t, fake)

	cases := []api.TestCase{
		{Input: "", Expected: ""},
		{Input: "0", Expected: "0"},
	}
	result := exec.Run(context.Background(), Request{Descriptor: pythonDescriptor(), Code: "while True: pass", TestCases: cases})

	if len(result.TestCases) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.TestCases))
	}
	if result.TestCases[0].Passed {
		t.Error("expected first case to fail")
	}
	if result.TestCases[0].Error != "Execution timeout" {
		t.Errorf("unexpected error for first case: %q", result.TestCases[0].Error)
	}
	if !result.TestCases[1].Passed {
		t.Error("expected second case to still be evaluated and pass")
	}
}

func TestExecutor_CompileFailure(t *testing.T) {
	fake := &fakeSandbox{script: []runOutcome{{Stderr: "error: expected ';'", ExitCode: 1}}}
	exec := newTestExecutor(t, fake)

	result := exec.Run(context.Background(), Request{Descriptor: cppDescriptor(), Code: "int main() {"})

	if result.Status != api.StatusError {
		t.Fatalf("expected error status, got %q", result.Status)
	}
	if result.Error != "Compilation failed: error: expected ';'" {
		t.Errorf("unexpected compile error message: %q", result.Error)
	}
}

func TestExecutor_CompileCacheHitSkipsRecompile(t *testing.T) {
	desc := cppDescriptor()
	root := t.TempDir()
	store, err := cache.NewStore(filepath.Join(root, "cache"), 16, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	workspaceRoot := filepath.Join(root, "workspaces")
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		t.Fatalf("mkdir workspace root: %v", err)
	}

	source := []byte("int main(){return 0;}")
	key := cache.Key(desc.Name, desc.Compile.Command, desc.Compile.Args, source)
	artifact := filepath.Join(t.TempDir(), "program")
	if err := os.WriteFile(artifact, []byte("fake binary"), 0o755); err != nil {
		t.Fatalf("writing fixture artifact: %v", err)
	}
	store.PublishFile(desc.Name, key, artifact, "program")

	// A script with only a run outcome: if the Executor attempted to
	// recompile, the compile step would consume a fakeSandbox.run call of
	// its own, which the call count below detects.
	fake := &fakeSandbox{script: []runOutcome{{Stdout: "0"}}}
	exec := &Executor{
		workspaceRoot: workspaceRoot,
		cache:         store,
		log:           logrus.NewEntry(logrus.New()),
		process:       fake,
		docker:        fake,
	}

	result := exec.Run(context.Background(), Request{Descriptor: desc, Code: string(source)})

	if result.Status != api.StatusSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if fake.calls != 1 {
		t.Errorf("expected exactly one sandbox invocation (the run, not a recompile), got %d", fake.calls)
	}
}

func typescriptDescriptor() registry.Descriptor {
	return registry.Descriptor{
		Name:        "typescript",
		DisplayName: "TypeScript",
		Extension:   ".ts",
		Filename:    "main.ts",
		Command:     "node",
		Args:        []string{"{dir}/dist/main.js"},
		Timeout:     5000,
		CacheFamily: registry.CacheFamilyTranspiled,
		Compile: &registry.CompileStep{
			Command: "tsc",
			Args:    []string{"{file}", "--outDir", "{dir}/dist"},
			Timeout: 10000,
		},
	}
}

// TestExecutor_TranspiledCacheRoundTrip guards against the publish/marker/
// materialize paths disagreeing on where a transpiled artifact lives:
// publishing under the family's relDir must produce a hit at the
// descriptor's marker and materialize back to the same relative path.
func TestExecutor_TranspiledCacheRoundTrip(t *testing.T) {
	desc := typescriptDescriptor()

	root := t.TempDir()
	store, err := cache.NewStore(filepath.Join(root, "cache"), 16, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	source := []byte("console.log(1)")
	key := cache.Key(desc.Name, desc.Compile.Command, desc.Compile.Args, source)
	marker := desc.CacheMarker()
	if marker != "dist/main.js" {
		t.Fatalf("expected transpiled marker dist/main.js, got %q", marker)
	}

	exec := &Executor{cache: store, log: logrus.NewEntry(logrus.New())}

	buildWorkspace := t.TempDir()
	if err := os.MkdirAll(filepath.Join(buildWorkspace, "dist"), 0o755); err != nil {
		t.Fatalf("mkdir fixture dist dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(buildWorkspace, "dist", "main.js"), []byte("console.log(1);"), 0o644); err != nil {
		t.Fatalf("writing fixture dist file: %v", err)
	}
	exec.publishCacheEntry(desc, key, marker, buildWorkspace)

	if !store.Has(desc.Name, key, marker) {
		t.Fatal("expected a cache hit after publishing under the transpiled family's relDir")
	}

	workspace := t.TempDir()
	if err := exec.materializeCacheHit(desc, key, marker, workspace); err != nil {
		t.Fatalf("materializeCacheHit() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace, "dist", "main.js")); err != nil {
		t.Errorf("expected dist/main.js materialized into workspace: %v", err)
	}
}

func TestSubstituteAll(t *testing.T) {
	got := substituteAll([]string{"{file}", "-o", "{dir}/program", "{filename}"}, "/tmp/job1/main.cpp", "/tmp/job1", "main.cpp")
	want := []string{"/tmp/job1/main.cpp", "-o", "/tmp/job1/program", "main.cpp"}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %v want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}
