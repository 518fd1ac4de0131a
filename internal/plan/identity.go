// Package plan derives plan identity and parses the line-oriented progress
// file the external worker maintains between iterations.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Identity keys everything scoped to one plan: the lock file and the
// progress file are both derived from it. Two processes started against
// the same canonical path always land on the same key.
type Identity struct {
	CanonicalPath string
	Key           string
}

// Resolve canonicalizes the plan path (absolute, symlinks resolved) and
// derives the identity key. The plan file must exist.
func Resolve(path string) (Identity, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Identity{}, fmt.Errorf("plan path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve plan path %q: %w", path, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return Identity{}, fmt.Errorf("plan file %q: %w", path, err)
	}
	fi, err := os.Stat(canon)
	if err != nil {
		return Identity{}, fmt.Errorf("plan file %q: %w", path, err)
	}
	if fi.IsDir() {
		return Identity{}, fmt.Errorf("plan path %q is a directory", path)
	}

	sum := sha256.Sum256([]byte(canon))
	return Identity{
		CanonicalPath: canon,
		Key:           hex.EncodeToString(sum[:])[:12],
	}, nil
}

// ProgressPath returns the progress file location for this plan:
// <planDir>/.ralph/<key>.progress.md
func (id Identity) ProgressPath() string {
	return filepath.Join(filepath.Dir(id.CanonicalPath), ".ralph", id.Key+".progress.md")
}

// LockPath returns the lock file location for this plan. lockDir defaults
// to the system temp directory so unrelated checkouts of the same plan
// path still contend on one lock.
func (id Identity) LockPath(lockDir string) string {
	if strings.TrimSpace(lockDir) == "" {
		lockDir = os.TempDir()
	}
	return filepath.Join(lockDir, "ralph-"+id.Key+".lock")
}
