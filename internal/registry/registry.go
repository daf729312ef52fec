// Package registry loads and serves immutable language descriptors.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Sandbox strategies a descriptor can select.
const (
	SandboxProcess = "process"
	SandboxDocker  = "docker"

	defaultCompileTimeout = 10 * time.Second
)

// Compile-cache family a descriptor belongs to. This decides which marker
// file the Executor checks for a cache hit and what it copies into the
// workspace on a hit. Families are declared per descriptor rather than
// inferred from the language name, since the predicate depends on the
// toolchain's actual output shape, not the language itself.
const (
	CacheFamilyNone       = ""           // no hit predicate: always recompile
	CacheFamilyBinary     = "binary"     // single compiled binary, marker "program"
	CacheFamilyJVM        = "jvm"        // class file tree, marker "Main.class"
	CacheFamilyTranspiled = "transpiled" // build output tree, marker "dist/main.js"
)

// CompileStep describes the optional compile phase of a language.
type CompileStep struct {
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Timeout time.Duration `json:"timeout"`
}

// Descriptor is the immutable, validated configuration for one language.
type Descriptor struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName"`
	Extension   string        `json:"extension"`
	Filename    string        `json:"filename,omitempty"`
	Command     string        `json:"command"`
	Args        []string      `json:"args"`
	Timeout     time.Duration `json:"timeout"`
	Compile     *CompileStep  `json:"compile,omitempty"`
	Sandbox     string        `json:"sandbox,omitempty"`
	Image       string        `json:"image,omitempty"`
	CacheFamily string        `json:"cacheFamily,omitempty"`
}

// CacheMarker returns the relative path the Executor checks (and, on a hit,
// materializes into the workspace) for this descriptor's cache family.
func (d Descriptor) CacheMarker() string {
	switch d.CacheFamily {
	case CacheFamilyBinary:
		return "program"
	case CacheFamilyJVM:
		return "Main.class"
	case CacheFamilyTranspiled:
		return "dist/main.js"
	default:
		return ""
	}
}

// SourceFilename returns the file the Executor should write source into.
func (d Descriptor) SourceFilename() string {
	if d.Filename != "" {
		return d.Filename
	}
	return "main" + d.Extension
}

// rawDescriptor mirrors the on-disk JSON shape, where durations are
// expressed in plain milliseconds rather than Go's time.Duration JSON form.
type rawDescriptor struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Extension   string   `json:"extension"`
	Filename    string   `json:"filename"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	TimeoutMs   int64    `json:"timeout"`
	Sandbox     string   `json:"sandbox"`
	Image       string   `json:"image"`
	CacheFamily string   `json:"cacheFamily"`
	Compile     *struct {
		Command   string   `json:"command"`
		Args      []string `json:"args"`
		TimeoutMs int64    `json:"timeout"`
	} `json:"compile"`
}

// Registry is the process-wide, read-only set of loaded language
// descriptors. It is created once at bootstrap and passed by reference to
// every component that needs it; it holds no mutable service state beyond
// the fsnotify watcher used to warn about drift.
type Registry struct {
	log         *logrus.Entry
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	watcher     *fsnotify.Watcher
}

// Load reads every *.json file in dir, validates it, and builds a Registry.
// Descriptors that fail validation are skipped with a logged error; the
// service continues with whatever parsed successfully. Load returns an
// error only if the directory itself cannot be read.
func Load(dir string, log *logrus.Entry) (*Registry, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: reading language config dir %q: %w", dir, err)
	}

	descriptors := make(map[string]Descriptor)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		desc, err := loadOne(path)
		if err != nil {
			log.WithError(err).WithField("file", path).Error("skipping invalid language descriptor")
			continue
		}
		if _, exists := descriptors[desc.Name]; exists {
			log.WithField("name", desc.Name).Error("skipping duplicate language descriptor")
			continue
		}
		descriptors[desc.Name] = desc
	}

	r := &Registry{
		log:         log,
		descriptors: descriptors,
	}

	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(dir); err == nil {
			r.watcher = watcher
			go r.warnOnDrift()
		} else {
			watcher.Close()
		}
	}

	return r, nil
}

func loadOne(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}

	var raw rawDescriptor
	if err := json.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("invalid json: %w", err)
	}

	if raw.Name == "" || raw.DisplayName == "" || raw.Extension == "" ||
		raw.Command == "" || raw.Args == nil || raw.TimeoutMs <= 0 {
		return Descriptor{}, fmt.Errorf("missing one of required fields (name, displayName, extension, command, args, timeout)")
	}

	desc := Descriptor{
		Name:        raw.Name,
		DisplayName: raw.DisplayName,
		Extension:   raw.Extension,
		Filename:    raw.Filename,
		Command:     raw.Command,
		Args:        raw.Args,
		Timeout:     time.Duration(raw.TimeoutMs) * time.Millisecond,
		Sandbox:     raw.Sandbox,
		CacheFamily: raw.CacheFamily,
	}
	switch desc.CacheFamily {
	case CacheFamilyNone, CacheFamilyBinary, CacheFamilyJVM, CacheFamilyTranspiled:
	default:
		return Descriptor{}, fmt.Errorf("unknown cacheFamily %q", desc.CacheFamily)
	}
	if desc.Sandbox == "" {
		desc.Sandbox = SandboxProcess
	}
	if desc.Sandbox != SandboxProcess && desc.Sandbox != SandboxDocker {
		return Descriptor{}, fmt.Errorf("unknown sandbox %q", desc.Sandbox)
	}
	if desc.Sandbox == SandboxDocker {
		if raw.Image == "" {
			return Descriptor{}, fmt.Errorf("sandbox=docker requires an image")
		}
		desc.Image = raw.Image
	}

	if raw.Compile != nil {
		timeout := defaultCompileTimeout
		if raw.Compile.TimeoutMs > 0 {
			timeout = time.Duration(raw.Compile.TimeoutMs) * time.Millisecond
		}
		desc.Compile = &CompileStep{
			Command: raw.Compile.Command,
			Args:    raw.Compile.Args,
			Timeout: timeout,
		}
	}

	return desc, nil
}

// warnOnDrift logs a warning (never reloads) when a descriptor file changes
// under a running process, so an operator knows a restart is needed.
func (r *Registry) warnOnDrift() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.log.WithField("file", event.Name).Warn("language config directory changed; descriptors are immutable for this process, restart to pick up changes")
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.WithError(err).Warn("language registry watcher error")
		}
	}
}

// Close releases the directory watcher, if any.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Get returns the descriptor for name, if registered.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// IsSupported reports whether name is a registered language.
func (r *Registry) IsSupported(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns every registered descriptor, sorted by name for determinism.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
