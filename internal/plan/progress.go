package plan

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// DoneMarker signals completion when it appears as the entire content of a
// line. Prose that merely mentions the marker must not match.
const DoneMarker = "RALPH_DONE"

type Status int

const (
	StatusPlanning Status = iota
	StatusInProgress
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusDone:
		return "done"
	default:
		return "planning"
	}
}

type Task struct {
	Description string
	Complete    bool
}

// Progress is the typed view of the progress file. It is read-only to this
// tool; only the external worker mutates the file.
type Progress struct {
	Status      Status
	Tasks       []Task
	Iteration   int
	MarkerFound bool
}

// IsComplete reports whether the terminal marker was found.
// Pure predicate over the parsed state, no re-reads.
func IsComplete(p Progress) bool { return p.MarkerFound }

// CompletedTasks counts checked items.
func (p Progress) CompletedTasks() int {
	n := 0
	for _, t := range p.Tasks {
		if t.Complete {
			n++
		}
	}
	return n
}

// ReadProgress loads and parses the progress file. A missing file is not an
// error: the plan simply hasn't been worked on yet (Planning, no tasks).
func ReadProgress(path string) (Progress, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Progress{}, nil
		}
		return Progress{}, err
	}
	defer f.Close()
	return ParseProgress(f)
}

// ParseProgress extracts a Progress value from line-oriented text.
//
// Recognized lines:
//
//	Status: planning|in_progress|done
//	Iteration: N
//	- [ ] task description
//	- [x] task description
//	RALPH_DONE            (whole line, exact after trimming)
func ParseProgress(r io.Reader) (Progress, error) {
	var p Progress
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == DoneMarker {
			p.MarkerFound = true
			continue
		}

		if v, ok := headerValue(trimmed, "Status"); ok {
			p.Status = parseStatus(v)
			continue
		}
		if v, ok := headerValue(trimmed, "Iteration"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				p.Iteration = n
			}
			continue
		}

		if desc, done, ok := parseChecklistItem(trimmed); ok {
			p.Tasks = append(p.Tasks, Task{Description: desc, Complete: done})
		}
	}
	if err := sc.Err(); err != nil {
		return Progress{}, err
	}
	if p.MarkerFound {
		p.Status = StatusDone
	}
	return p, nil
}

func headerValue(line, key string) (string, bool) {
	if len(line) <= len(key)+1 {
		return "", false
	}
	if !strings.EqualFold(line[:len(key)], key) || line[len(key)] != ':' {
		return "", false
	}
	return strings.TrimSpace(line[len(key)+1:]), true
}

func parseStatus(v string) Status {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(v), " ", "_")) {
	case "done", "complete", "completed":
		return StatusDone
	case "in_progress", "inprogress", "building":
		return StatusInProgress
	default:
		return StatusPlanning
	}
}

func parseChecklistItem(line string) (desc string, done bool, ok bool) {
	for _, pfx := range []string{"- [ ] ", "* [ ] "} {
		if strings.HasPrefix(line, pfx) {
			return strings.TrimSpace(line[len(pfx):]), false, true
		}
	}
	for _, pfx := range []string{"- [x] ", "- [X] ", "* [x] ", "* [X] "} {
		if strings.HasPrefix(line, pfx) {
			return strings.TrimSpace(line[len(pfx):]), true, true
		}
	}
	return "", false, false
}
