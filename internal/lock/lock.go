// Package lock provides cross-process mutual exclusion keyed by plan
// identity, backed by an O_EXCL-created lock file holding a typed
// ownership record.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"syscall"
	"time"

	logx "ralph/pkg/logx"
)

// ErrHeld is returned when another live process owns the lock.
var ErrHeld = errors.New("plan is locked by another process")

// Record is the serialized ownership record inside a lock file.
// It goes through exactly one encode/decode pair (JSON).
type Record struct {
	OwnerPID   int       `json:"owner_pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	Heartbeat  time.Time `json:"heartbeat"`
}

// Options tunes acquisition behavior.
type Options struct {
	// Timeout bounds how long Acquire waits on a live owner. 0 fails fast.
	Timeout time.Duration
	// StaleAfter is the heartbeat age beyond which a lock is reclaimable
	// even when its owner PID cannot be probed.
	StaleAfter time.Duration
}

const defaultStaleAfter = 10 * time.Minute

// Handle represents an acquired lock. Release is safe to call multiple times.
type Handle struct {
	path string
	rec  Record
	log  logx.Logger
}

func (h *Handle) Path() string { return h.path }

// Acquire takes the lock at path, reclaiming dead or stale owners.
// Returns ErrHeld (wrapped with owner details) when a live owner keeps the
// lock past the timeout.
func Acquire(path string, opts Options, log logx.Logger) (*Handle, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}

	deadline := time.Now().Add(opts.Timeout)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		h, err := tryAcquire(path, log)
		if err == nil {
			log.Debug("lock acquired", logx.String("path", path), logx.Int("pid", h.rec.OwnerPID))
			return h, nil
		}
		if !errors.Is(err, ErrHeld) {
			return nil, err
		}

		// Owner exists: reclaim if dead or stale, otherwise wait or fail.
		rec, rerr := Read(path)
		if rerr != nil {
			// Corrupt or vanished between attempts; clear and retry.
			_ = os.Remove(path)
			continue
		}
		if reclaimable(rec, opts.StaleAfter) {
			log.Warn("reclaiming stale lock",
				logx.String("path", path),
				logx.Int("owner_pid", rec.OwnerPID),
				logx.Time("heartbeat", rec.Heartbeat),
			)
			_ = os.Remove(path)
			continue
		}

		if opts.Timeout <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: PID %d on %s since %s",
				ErrHeld, rec.OwnerPID, rec.Hostname, rec.AcquiredAt.Format(time.RFC3339))
		}

		// Jittered wait before the next attempt.
		wait := 100*time.Millisecond + time.Duration(rng.Int63n(int64(150*time.Millisecond)))
		if rem := time.Until(deadline); rem < wait {
			wait = rem
		}
		time.Sleep(wait)
	}
}

func tryAcquire(path string, log logx.Logger) (*Handle, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := time.Now()
	rec := Record{
		OwnerPID:   os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: now,
		Heartbeat:  now,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock record: %w", err)
	}

	// O_EXCL makes creation atomic: exactly one of two racing processes wins.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}
	return &Handle{path: path, rec: rec, log: log}, nil
}

// Release removes the lock file, but only while it still holds this
// process's ownership record. A lock reclaimed by someone else after a
// crash is left alone.
func (h *Handle) Release() error {
	if h == nil || h.path == "" {
		return nil
	}
	rec, err := Read(h.path)
	if err != nil {
		return nil // already gone
	}
	if rec.OwnerPID != h.rec.OwnerPID || !rec.AcquiredAt.Equal(h.rec.AcquiredAt) {
		h.log.Warn("lock no longer owned; leaving in place",
			logx.String("path", h.path), logx.Int("current_owner", rec.OwnerPID))
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	h.log.Debug("lock released", logx.String("path", h.path))
	return nil
}

// Refresh bumps the heartbeat timestamp so waiting processes don't treat a
// long-running owner as stale. No-op if ownership was lost.
func (h *Handle) Refresh() error {
	if h == nil || h.path == "" {
		return nil
	}
	rec, err := Read(h.path)
	if err != nil {
		return err
	}
	if rec.OwnerPID != h.rec.OwnerPID || !rec.AcquiredAt.Equal(h.rec.AcquiredAt) {
		return fmt.Errorf("lock ownership lost (current owner PID %d)", rec.OwnerPID)
	}
	h.rec.Heartbeat = time.Now()
	data, err := json.MarshalIndent(h.rec, "", "  ")
	if err != nil {
		return err
	}
	// Write-then-rename keeps readers from ever seeing a partial record.
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, h.path)
}

// Read decodes the ownership record at path.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse lock file %q: %w", path, err)
	}
	return rec, nil
}

// Alive reports whether pid corresponds to a running process (signal 0 probe).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

func reclaimable(rec Record, staleAfter time.Duration) bool {
	if !Alive(rec.OwnerPID) {
		return true
	}
	hb := rec.Heartbeat
	if hb.IsZero() {
		hb = rec.AcquiredAt
	}
	return time.Since(hb) > staleAfter
}

// ForceRelease removes the lock regardless of ownership. Used by the
// operator-facing unlock command; the caller decides whether a live owner
// may be overridden.
func ForceRelease(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Describe renders an owner summary for status output.
func Describe(rec Record) string {
	state := "dead"
	if Alive(rec.OwnerPID) {
		state = "alive"
	}
	host := rec.Hostname
	if strings.TrimSpace(host) == "" {
		host = "unknown"
	}
	return fmt.Sprintf("PID %d (%s) on %s, acquired %s", rec.OwnerPID, state, host, rec.AcquiredAt.Format(time.RFC3339))
}
