package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDescriptor(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatalf("writeDescriptor: %v", err)
	}
}

func TestLoad_ValidDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "python.json", `{
		"name": "python",
		"displayName": "Python 3",
		"extension": ".py",
		"command": "python3",
		"args": ["{file}"],
		"timeout": 5000
	}`)
	writeDescriptor(t, dir, "cpp.json", `{
		"name": "cpp",
		"displayName": "C++",
		"extension": ".cpp",
		"command": "{dir}/program",
		"args": [],
		"timeout": 5000,
		"compile": {"command": "g++", "args": ["-O2", "-o", "{dir}/program", "{file}"], "timeout": 8000}
	}`)

	reg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer reg.Close()

	if !reg.IsSupported("python") {
		t.Error("expected python to be supported")
	}
	desc, ok := reg.Get("cpp")
	if !ok {
		t.Fatal("expected cpp to be registered")
	}
	if desc.Compile == nil || desc.Compile.Command != "g++" {
		t.Errorf("unexpected compile step: %+v", desc.Compile)
	}
	if desc.Sandbox != SandboxProcess {
		t.Errorf("expected default sandbox to be process, got %q", desc.Sandbox)
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(list))
	}
}

func TestLoad_SkipsInvalidDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "broken.json", `{"name": "broken"}`)
	writeDescriptor(t, dir, "python.json", `{
		"name": "python",
		"displayName": "Python 3",
		"extension": ".py",
		"command": "python3",
		"args": ["{file}"],
		"timeout": 5000
	}`)
	writeDescriptor(t, dir, "notjson.txt", `ignore me`)

	reg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer reg.Close()

	if reg.IsSupported("broken") {
		t.Error("expected broken descriptor to be skipped")
	}
	if !reg.IsSupported("python") {
		t.Error("expected python descriptor to load despite sibling failure")
	}
	if len(reg.List()) != 1 {
		t.Errorf("expected exactly 1 descriptor loaded, got %d", len(reg.List()))
	}
}

func TestLoad_DockerSandboxRequiresImage(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "java.json", `{
		"name": "java",
		"displayName": "Java",
		"extension": ".java",
		"filename": "Main.java",
		"command": "java",
		"args": ["-cp", "{dir}", "Main"],
		"timeout": 8000,
		"sandbox": "docker"
	}`)

	reg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer reg.Close()

	if reg.IsSupported("java") {
		t.Error("expected descriptor missing image to be rejected")
	}
}

func TestLoad_UnknownDirectory(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), nil); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestGet_NotFound(t *testing.T) {
	dir := t.TempDir()
	reg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer reg.Close()

	if _, ok := reg.Get("brainfuck"); ok {
		t.Error("expected brainfuck to be unregistered")
	}
}
