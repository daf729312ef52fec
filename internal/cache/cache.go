// Package cache implements the content-addressed compile-artifact store.
//
// The store is a plain directory tree on disk: <root>/<language>/<key>/...
// Presence of a key directory (and, within it, a specific file the
// language family expects) is what a cache lookup tests for — there is no
// index file and no locking, because every producer that could race to
// write the same key would write bit-identical artifacts. An in-process
// LRU sits in front of the filesystem purely to avoid repeat stat() calls
// for keys this process has already resolved; it is never consulted as the
// system of record and a cold process always falls through to disk.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Key computes the content-addressed cache key for a compile configuration.
func Key(language, compileCommand string, compileArgs []string, source []byte) string {
	h := sha256.New()
	h.Write([]byte(language))
	h.Write([]byte{'\n'})
	h.Write([]byte(compileCommand))
	h.Write([]byte(" "))
	h.Write([]byte(strings.Join(compileArgs, " ")))
	h.Write([]byte{'\n'})
	h.Write(source)
	return hex.EncodeToString(h.Sum(nil))
}

// hitState records, per resolved key, whether the last disk check found the
// marker file present. It is advisory only.
type hitState struct {
	present bool
}

// Store is the on-disk, content-addressed compile cache.
type Store struct {
	root string
	lru  *lru.Cache[string, hitState]
	log  *logrus.Entry

	hits   int64
	misses int64
}

// NewStore creates a Store rooted at root, creating the directory if
// needed. lruSize bounds the in-memory accelerator; it does not bound the
// number of entries that may exist on disk.
func NewStore(root string, lruSize int, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if lruSize <= 0 {
		lruSize = 256
	}
	l, err := lru.New[string, hitState](lruSize)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, lru: l, log: log}, nil
}

// Dir returns the directory a given language+key resolves to. It may not
// exist yet.
func (s *Store) Dir(language, key string) string {
	return filepath.Join(s.root, language, key)
}

// Has reports whether markerRelPath exists inside the cache entry for
// (language, key). markerRelPath is the language-family-specific file the
// Executor checks for (e.g. "program", "Main.class", "dist/main.js").
func (s *Store) Has(language, key, markerRelPath string) bool {
	cacheKey := language + "/" + key + "/" + markerRelPath
	if state, ok := s.lru.Get(cacheKey); ok && state.present {
		s.hits++
		return true
	}

	marker := filepath.Join(s.Dir(language, key), markerRelPath)
	_, err := os.Stat(marker)
	present := err == nil
	s.lru.Add(cacheKey, hitState{present: present})

	if present {
		s.hits++
	} else {
		s.misses++
	}
	return present
}

// Stats returns the process-local hit/miss counters.
func (s *Store) Stats() (hits, misses int64) {
	return s.hits, s.misses
}

// PublishFile best-effort copies a single compiled artifact (e.g. a
// compiled binary) into the cache under destRelPath. Failures are logged
// and swallowed: a failed cache write must never fail the job that
// produced the artifact.
func (s *Store) PublishFile(language, key, srcPath, destRelPath string) {
	dest := filepath.Join(s.Dir(language, key), destRelPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.log.WithError(err).Debug("compile cache: failed to create entry directory")
		return
	}
	if err := copyFile(srcPath, dest); err != nil {
		s.log.WithError(err).Debug("compile cache: failed to publish artifact")
	}
}

// PublishDir best-effort copies an entire directory tree (e.g. a JVM
// classes directory or a transpiled dist/ tree) into the cache. relDir
// mirrors CopyDirInto's: when non-empty, srcDir is published under that
// subdirectory of the cache entry rather than at its root, so a later
// CopyDirInto(language, key, relDir, workspace) materializes it back to
// the same relative path it was built at.
func (s *Store) PublishDir(language, key, relDir, srcDir string) {
	dest := s.Dir(language, key)
	if relDir != "" {
		dest = filepath.Join(dest, relDir)
	}
	if err := copyTree(srcDir, dest); err != nil {
		s.log.WithError(err).Debug("compile cache: failed to publish artifact tree")
	}
}

// CopyFileInto copies a single cached artifact into workspace, at the top
// level under its base name. Used by the compiled-binary family; the JVM
// and transpiled families use CopyDirInto.
func (s *Store) CopyFileInto(language, key, relPath, workspace string) error {
	src := filepath.Join(s.Dir(language, key), relPath)
	dest := filepath.Join(workspace, filepath.Base(relPath))
	return copyFile(src, dest)
}

// CopyDirInto copies the entire cache entry (or a subdirectory of it, when
// relDir is non-empty) into workspace, preserving relative structure. Used
// by the JVM family (whole entry) and the transpiled family (dist/ subtree).
func (s *Store) CopyDirInto(language, key, relDir, workspace string) error {
	src := s.Dir(language, key)
	if relDir != "" {
		src = filepath.Join(src, relDir)
		workspace = filepath.Join(workspace, relDir)
	}
	return copyTree(src, workspace)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	info, err := in.Stat()
	if err == nil {
		_ = os.Chmod(dest, info.Mode())
	}
	return nil
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
