// Package fsutil contains the filesystem helpers shared by the on-host
// stores and the supervisor: atomic replacement, restrictive permissions and
// path validation for rendered filesystem entries.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gofrs/flock"
)

const (
	// DirPerm is applied to every directory created under the remote dir.
	DirPerm os.FileMode = 0o700
	// FilePerm is applied to every file written under the remote dir.
	FilePerm os.FileMode = 0o600
)

// WriteFileAtomic writes content to path by writing a sibling temp file and
// renaming it into place. Parent directories are created with DirPerm.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(FilePerm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %q: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ValidateRelPath rejects paths which could escape the directory they are
// rendered under. Rendered filesystem entries come from agent-type templates
// filled with remote values, so they are not trusted.
func ValidateRelPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if !utf8.ValidString(path) {
		return fmt.Errorf("path %q is not valid UTF-8", path)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path %q must be relative", path)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path %q contains a parent reference", path)
		}
	}
	return nil
}

// WithLock runs fn while holding an advisory lock beside path. Concurrent
// writers should never happen, the lock file exists so that crash recovery
// can detect half-written state.
func WithLock(path string, fn func() error) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %q: %w", path, err)
	}
	defer lock.Unlock()
	return fn()
}
