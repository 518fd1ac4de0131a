package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Practical RFC 5322 subset: local-part@domain.tld.
// Full RFC grammar (quoted locals, comments, IP literals) is deliberately not supported.
var reEmail = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// CheckEmail performs a structural address check.
func CheckEmail(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("email is empty")
	}
	if !reEmail.MatchString(addr) {
		return fmt.Errorf("invalid email address %q", addr)
	}
	return nil
}

// PathMode selects what CheckPath requires of the target.
type PathMode int

const (
	// PathRead requires an existing readable regular file.
	PathRead PathMode = iota
	// PathExecute requires an existing regular file with execute permission.
	PathExecute
)

// CheckPath canonicalizes path (resolving symlinks and ".." segments) and
// verifies the result exists with the required permissions. If root is
// non-empty, the canonical result must stay inside root (no traversal out).
// Returns the canonical path.
func CheckPath(path string, mode PathMode, root string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}

	if root != "" {
		rootCanon, err := filepath.EvalSymlinks(root)
		if err != nil {
			return "", fmt.Errorf("resolve root %q: %w", root, err)
		}
		rel, err := filepath.Rel(rootCanon, canon)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q escapes root %q", path, root)
		}
	}

	fi, err := os.Stat(canon)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%q is not a regular file", path)
	}
	if mode == PathExecute && fi.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%q is not executable", path)
	}
	return canon, nil
}

// CheckRange validates min <= v <= max.
func CheckRange(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
	}
	return nil
}
