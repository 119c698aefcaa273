package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain collects every event until the channel closes and returns the line
// events and the final exit event.
func drain(t *testing.T, h *Handle) ([]Event, Event) {
	t.Helper()
	var lines []Event
	var exit Event
	sawExit := false
	for ev := range h.Events() {
		switch ev.Kind {
		case EventLine:
			require.False(t, sawExit, "no event may follow the exit event")
			lines = append(lines, ev)
		case EventExit:
			require.False(t, sawExit, "exit must be delivered exactly once")
			sawExit = true
			exit = ev
		}
	}
	require.True(t, sawExit, "exit event must be delivered")
	return lines, exit
}

func TestLaunchStreamsLinesInOrder(t *testing.T) {
	s := NewSupervisor(10)

	h, err := s.Launch("job-1", "/bin/sh", []string{"-c", "echo one; echo two; echo three"}, t.TempDir())
	require.NoError(t, err)
	assert.NotZero(t, h.PID)

	lines, exit := drain(t, h)
	require.Len(t, lines, 3)
	assert.Equal(t, "one", lines[0].Line)
	assert.Equal(t, "two", lines[1].Line)
	assert.Equal(t, "three", lines[2].Line)
	assert.Equal(t, 0, exit.ExitCode)
	assert.False(t, exit.Cancelled)
}

func TestNonZeroExitAndStderrTail(t *testing.T) {
	s := NewSupervisor(10)

	h, err := s.Launch("job-1", "/bin/sh", []string{"-c", "echo oops >&2; echo worse >&2; exit 3"}, t.TempDir())
	require.NoError(t, err)

	lines, exit := drain(t, h)
	assert.Equal(t, 3, exit.ExitCode)
	assert.Len(t, lines, 2)
	for _, l := range lines {
		assert.True(t, l.Stderr)
	}
	assert.Contains(t, h.StderrTail(), "oops")
	assert.Contains(t, h.StderrTail(), "worse")
}

func TestStderrTailIsBounded(t *testing.T) {
	s := NewSupervisor(2)

	h, err := s.Launch("job-1", "/bin/sh", []string{"-c", "for i in 1 2 3 4 5; do echo line$i >&2; done"}, t.TempDir())
	require.NoError(t, err)
	drain(t, h)

	tail := h.StderrTail()
	assert.NotContains(t, tail, "line3")
	assert.Contains(t, tail, "line4")
	assert.Contains(t, tail, "line5")
}

func TestLaunchMissingExecutable(t *testing.T) {
	s := NewSupervisor(10)

	_, err := s.Launch("job-1", "/nonexistent/reconstruction-binary", nil, t.TempDir())
	var lerr *LaunchError
	require.ErrorAs(t, err, &lerr)

	// A spawn failure never produces a handle.
	_, active := s.Active("job-1")
	assert.False(t, active)
}

func TestSecondLaunchRejectedWhileRunning(t *testing.T) {
	s := NewSupervisor(10)

	h, err := s.Launch("job-1", "/bin/sh", []string{"-c", "sleep 5"}, t.TempDir())
	require.NoError(t, err)

	_, err = s.Launch("job-1", "/bin/sh", []string{"-c", "echo nope"}, t.TempDir())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, s.ActiveCount())

	h.Cancel()
	_, exit := drain(t, h)
	assert.True(t, exit.Cancelled)
	assert.NotEqual(t, 0, exit.ExitCode)

	// After exit the slot is free again.
	h2, err := s.Launch("job-1", "/bin/sh", []string{"-c", "true"}, t.TempDir())
	require.NoError(t, err)
	drain(t, h2)
}

func TestCancelFiresExitThroughNormalPath(t *testing.T) {
	s := NewSupervisor(10)

	h, err := s.Launch("job-1", "/bin/sh", []string{"-c", "echo started; sleep 30"}, t.TempDir())
	require.NoError(t, err)

	// Give the child a moment to start emitting, then kill it.
	time.Sleep(100 * time.Millisecond)
	h.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, exit := drain(t, h)
		assert.True(t, exit.Cancelled)
		assert.NotEqual(t, 0, exit.ExitCode)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled process did not deliver its exit event")
	}

	_, active := s.Active("job-1")
	assert.False(t, active)
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	s := NewSupervisor(10)

	h1, err := s.Launch("job-1", "/bin/sh", []string{"-c", "echo a"}, t.TempDir())
	require.NoError(t, err)
	h2, err := s.Launch("job-2", "/bin/sh", []string{"-c", "echo b; exit 1"}, t.TempDir())
	require.NoError(t, err)

	lines1, exit1 := drain(t, h1)
	lines2, exit2 := drain(t, h2)
	assert.Equal(t, "a", lines1[0].Line)
	assert.Equal(t, 0, exit1.ExitCode)
	assert.Equal(t, "b", lines2[0].Line)
	assert.Equal(t, 1, exit2.ExitCode)
}

func TestOversizedLineDoesNotStallExit(t *testing.T) {
	s := NewSupervisor(10)

	// One line far beyond the scanner's buffer cap, then a clean exit. The
	// oversized output is dropped, but the exit event must still arrive.
	script := "head -c 3000000 /dev/zero | tr '\\0' 'a'; echo; echo done"
	h, err := s.Launch("job-1", "/bin/sh", []string{"-c", script}, t.TempDir())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, exit := drain(t, h)
		assert.Equal(t, 0, exit.ExitCode)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("exit event not delivered after oversized output line")
	}

	_, active := s.Active("job-1")
	assert.False(t, active)
}

func TestCancelBeforeProcessStartIsSafe(t *testing.T) {
	// A handle is visible through Active while the child is still spawning.
	// Cancelling it in that window must not panic; the flag is recorded and
	// honored once the process exists.
	h := &Handle{JobID: "job-1"}
	h.Cancel()
	assert.True(t, h.cancelled.Load())
}

func TestCancelRacingLaunchKillsProcess(t *testing.T) {
	s := NewSupervisor(10)

	for i := 0; i < 20; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				if h, ok := s.Active(jobID); ok {
					h.Cancel()
				}
			}
		}()

		h, err := s.Launch(jobID, "/bin/sh", []string{"-c", "sleep 30"}, t.TempDir())
		require.NoError(t, err)
		h.Cancel()

		_, exit := drain(t, h)
		assert.NotEqual(t, 0, exit.ExitCode)
		assert.True(t, exit.Cancelled)
		close(stop)
	}
}

func TestLaunchErrorUnwraps(t *testing.T) {
	inner := errors.New("permission denied")
	err := &LaunchError{Command: "meshroom_batch", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "meshroom_batch")
}
