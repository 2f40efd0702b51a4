package supervisor

import (
	"syscall"
	"testing"
	"time"

	"github.com/hatchbox/boxd/internal/logbuf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *logbuf.Buffer) {
	t.Helper()
	logs := logbuf.New(1000, 64, "")
	s := New(logs, t.TempDir(), 2*time.Second)
	t.Cleanup(s.Stop)
	return s, logs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartTracksProcess(t *testing.T) {
	s, _ := newTestSupervisor(t)

	mp, err := s.Start("sleep 30")
	require.NoError(t, err)
	require.NotNil(t, mp)
	assert.Greater(t, mp.PID, 0)

	current := s.Current()
	require.NotNil(t, current)
	assert.Equal(t, mp.PID, current.PID)
}

func TestStartReplacesPriorProcess(t *testing.T) {
	s, _ := newTestSupervisor(t)

	first, err := s.Start("sleep 30")
	require.NoError(t, err)

	second, err := s.Start("sleep 30")
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)

	// Exactly one tracked process afterward, and the prior one is gone.
	current := s.Current()
	require.NotNil(t, current)
	assert.Equal(t, second.PID, current.PID)

	waitFor(t, 5*time.Second, func() bool {
		return syscall.Kill(first.PID, syscall.Signal(0)) != nil
	})
}

func TestNaturalExitClearsReference(t *testing.T) {
	s, logs := newTestSupervisor(t)

	_, err := s.Start("true")
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool { return s.Current() == nil })

	_, replay := logs.Subscribe(0)
	var systemLines []string
	for _, entry := range replay {
		if entry.Stream == logbuf.StreamSystem {
			systemLines = append(systemLines, entry.Text)
		}
	}
	require.Len(t, systemLines, 2)
	assert.Contains(t, systemLines[0], "process started")
	assert.Contains(t, systemLines[1], "exit code 0")
}

func TestOutputIsTaggedByStream(t *testing.T) {
	s, logs := newTestSupervisor(t)

	_, err := s.Start("echo from-stdout; echo from-stderr 1>&2")
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool { return s.Current() == nil })

	_, replay := logs.Subscribe(0)
	streams := map[string]logbuf.Stream{}
	for _, entry := range replay {
		streams[entry.Text] = entry.Stream
	}
	assert.Equal(t, logbuf.StreamStdout, streams["from-stdout"])
	assert.Equal(t, logbuf.StreamStderr, streams["from-stderr"])
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	s, _ := newTestSupervisor(t)

	mp, err := s.Start("sleep 30")
	require.NoError(t, err)

	s.Stop()
	assert.Nil(t, s.Current())

	waitFor(t, 5*time.Second, func() bool {
		return syscall.Kill(mp.PID, syscall.Signal(0)) != nil
	})
}

func TestCurrentStaysResponsiveDuringReplacement(t *testing.T) {
	s, _ := newTestSupervisor(t)

	// A leader that ignores SIGTERM forces the full grace wait before
	// the SIGKILL escalation.
	_, err := s.Start("trap '' TERM; while :; do sleep 1; done")
	require.NoError(t, err)

	replaced := make(chan struct{})
	go func() {
		defer close(replaced)
		_, err := s.Start("sleep 30")
		assert.NoError(t, err)
	}()

	// Let the replacement enter its grace wait, then time Current.
	time.Sleep(100 * time.Millisecond)
	began := time.Now()
	s.Current()
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	<-replaced
	current := s.Current()
	require.NotNil(t, current)
	assert.Equal(t, "sleep 30", current.Command)
}

func TestStartEmptyCommandIsError(t *testing.T) {
	s, _ := newTestSupervisor(t)

	_, err := s.Start("  ")
	assert.Error(t, err)
}
