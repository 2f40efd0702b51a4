package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hatchbox/boxd/internal/logbuf"
)

// ManagedProcess is the one supervised dev-server process. At most one
// exists at a time; starting a new one terminates the prior one first.
type ManagedProcess struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`

	cmd  *exec.Cmd
	done chan struct{}
}

type Supervisor struct {
	// opMu serializes Start and Stop, which can block for up to two
	// grace periods while an old process is torn down. mu only guards
	// the current reference so Current never waits on a teardown.
	opMu        sync.Mutex
	mu          sync.Mutex
	logs        *logbuf.Buffer
	projectRoot string
	gracePeriod time.Duration
	current     *ManagedProcess
}

func New(logs *logbuf.Buffer, projectRoot string, gracePeriod time.Duration) *Supervisor {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &Supervisor{
		logs:        logs,
		projectRoot: projectRoot,
		gracePeriod: gracePeriod,
	}
}

// Start replaces any tracked process with a new one. The prior process
// group gets SIGTERM, a bounded wait, then SIGKILL if still alive.
// Overlapping starts serialize on opMu so two tracked processes can
// never coexist, while Current stays responsive during the teardown.
func (s *Supervisor) Start(command string) (*ManagedProcess, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if prior := s.detach(); prior != nil {
		s.terminate(prior)
	}

	cmd := exec.Command(resolveShell(), "-lc", command)
	cmd.Dir = s.projectRoot
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	mp := &ManagedProcess{
		PID:       cmd.Process.Pid,
		Command:   command,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.current = mp
	s.mu.Unlock()

	s.logs.Append(logbuf.StreamSystem, fmt.Sprintf("process started: %s (pid %d)", command, mp.PID))
	slog.Info("Supervised process started", "pid", mp.PID, "command", command)

	go s.scanInto(stdout, logbuf.StreamStdout)
	go s.scanInto(stderr, logbuf.StreamStderr)
	go s.reap(mp)

	return mp, nil
}

// Stop terminates the tracked process if any. Safe to call when nothing
// is running.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if prior := s.detach(); prior != nil {
		s.terminate(prior)
	}
}

// detach clears and returns the tracked reference. Callers terminate
// the returned process without holding mu.
func (s *Supervisor) detach() *ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.current
	s.current = nil
	return prior
}

// Current returns the tracked process, or nil when no process is running.
func (s *Supervisor) Current() *ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// terminate performs the two-phase shutdown of a process group:
// SIGTERM, bounded wait, SIGKILL. Signal errors are ignored; a process
// that already died is not an error.
func (s *Supervisor) terminate(mp *ManagedProcess) {
	_ = syscall.Kill(-mp.PID, syscall.SIGTERM)

	select {
	case <-mp.done:
		return
	case <-time.After(s.gracePeriod):
	}

	slog.Warn("Process ignored SIGTERM, escalating", "pid", mp.PID, "grace", s.gracePeriod)
	_ = syscall.Kill(-mp.PID, syscall.SIGKILL)

	select {
	case <-mp.done:
	case <-time.After(s.gracePeriod):
		slog.Error("Process did not exit after SIGKILL", "pid", mp.PID)
	}
}

// reap waits for the process to exit, records the outcome, and clears
// the tracked reference if it still points at this process.
func (s *Supervisor) reap(mp *ManagedProcess) {
	err := mp.cmd.Wait()
	close(mp.done)

	exitCode := 0
	if mp.cmd.ProcessState != nil {
		exitCode = mp.cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	if s.current == mp {
		s.current = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.logs.Append(logbuf.StreamSystem, fmt.Sprintf("process exited: pid %d, exit code %d (%v)", mp.PID, exitCode, err))
	} else {
		s.logs.Append(logbuf.StreamSystem, fmt.Sprintf("process exited: pid %d, exit code 0", mp.PID))
	}
	slog.Info("Supervised process exited", "pid", mp.PID, "exit_code", exitCode)
}

func (s *Supervisor) scanInto(r io.Reader, stream logbuf.Stream) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logs.Append(stream, scanner.Text())
	}
}
