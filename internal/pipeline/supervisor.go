package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyRunning is returned when a launch is requested for a job that
// already has a live process. At most one handle exists per job.
var ErrAlreadyRunning = errors.New("pipeline already running for this job")

// LaunchError wraps a synchronous spawn failure (missing or unexecutable
// binary). No handle is produced when launch fails.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch pipeline %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// EventKind discriminates supervisor events.
type EventKind int

const (
	// EventLine is one line of child stdout or stderr, in emission order.
	EventLine EventKind = iota
	// EventExit is delivered exactly once, after every line event.
	EventExit
)

// Event is one occurrence on a running pipeline process. The event channel
// for a handle delivers line events in order and closes after the single
// exit event.
type Event struct {
	Kind      EventKind
	Line      string
	Stderr    bool
	ExitCode  int
	Cancelled bool
}

// Handle supervises one running pipeline invocation. It lives from process
// start to process exit and is never persisted. The handle is visible via
// Active before the child has spawned; proc is nil until then and Cancel
// only records the request.
type Handle struct {
	JobID     string
	PID       int
	StartedAt time.Time

	mu        sync.Mutex
	proc      *os.Process
	events    chan Event
	tail      *tailBuffer
	cancelled atomic.Bool
}

// Events returns the handle's event stream. The channel closes after the
// exit event has been delivered.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// StderrTail returns the last captured stderr lines, newline-joined.
func (h *Handle) StderrTail() string {
	return h.tail.String()
}

// Cancel requests best-effort termination. The exit event still fires through
// the normal completion path, flagged as cancelled with a non-zero code.
// Safe to call while the child is still spawning; Launch kills the process
// right after start if a cancel arrived first.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

// Supervisor launches and tracks external pipeline processes, one per job.
type Supervisor struct {
	mu        sync.Mutex
	active    map[string]*Handle
	tailLines int
}

// NewSupervisor creates a supervisor capturing up to tailLines of stderr per
// process.
func NewSupervisor(tailLines int) *Supervisor {
	if tailLines <= 0 {
		tailLines = 50
	}
	return &Supervisor{
		active:    make(map[string]*Handle),
		tailLines: tailLines,
	}
}

// Active returns the live handle for a job, if one exists.
func (s *Supervisor) Active(jobID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.active[jobID]
	return h, ok
}

// ActiveCount reports how many pipeline processes are currently running.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Launch starts the external pipeline executable with workDir as its working
// directory and begins streaming its output. The returned handle's event
// channel carries line events in emission order followed by exactly one exit
// event, after which it closes.
func (s *Supervisor) Launch(jobID, command string, args []string, workDir string) (*Handle, error) {
	h := &Handle{
		JobID:     jobID,
		StartedAt: time.Now(),
		events:    make(chan Event, 64),
		tail:      newTailBuffer(s.tailLines),
	}

	s.mu.Lock()
	if _, exists := s.active[jobID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	// Reserve the slot before the (slow) spawn so concurrent launches for the
	// same job cannot both pass the check. The handle has no process yet;
	// a Cancel landing in this window just sets the flag.
	s.active[jobID] = h
	s.mu.Unlock()

	cmd := exec.Command(command, args...)
	cmd.Dir = workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.release(jobID)
		return nil, &LaunchError{Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.release(jobID)
		return nil, &LaunchError{Command: command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		s.release(jobID)
		return nil, &LaunchError{Command: command, Err: err}
	}

	h.mu.Lock()
	h.proc = cmd.Process
	h.PID = cmd.Process.Pid
	h.mu.Unlock()
	if h.cancelled.Load() {
		// Cancelled while spawning; the kill feeds the normal exit path.
		_ = cmd.Process.Kill()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.scanStream(stdout, false)
	}()
	go func() {
		defer wg.Done()
		h.scanStream(stderr, true)
	}()

	go func() {
		wg.Wait()
		err := cmd.Wait()
		s.release(jobID)

		code := 0
		if err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		h.events <- Event{Kind: EventExit, ExitCode: code, Cancelled: h.cancelled.Load()}
		close(h.events)
	}()

	return h, nil
}

func (s *Supervisor) release(jobID string) {
	s.mu.Lock()
	delete(s.active, jobID)
	s.mu.Unlock()
}

func (h *Handle) scanStream(r io.Reader, stderr bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stderr {
			h.tail.Append(line)
		}
		h.events <- Event{Kind: EventLine, Line: line, Stderr: stderr}
	}
	if scanner.Err() != nil {
		// An oversized line aborts the scanner. Keep draining so the child
		// is never wedged on a full pipe; the remaining output is dropped.
		_, _ = io.Copy(io.Discard, r)
	}
}
