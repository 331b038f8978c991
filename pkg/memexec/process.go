package memexec

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Process is a handle to a spawned child. The pid is only guaranteed to
// refer to the child until a terminal wait has been observed; after that the
// kernel may recycle it, which is why Kill refuses once a status is cached.
type Process struct {
	pid    int
	status *ExitStatus
}

func newProcess(pid int) *Process {
	return &Process{pid: pid}
}

// ID returns the operating system process id.
func (p *Process) ID() int {
	return p.pid
}

// Kill sends SIGKILL. It fails with ErrAlreadyExited if the process has
// already been reaped, since the pid may belong to someone else by now.
func (p *Process) Kill() error {
	if p.status != nil {
		return ErrAlreadyExited
	}
	if err := unix.Kill(p.pid, unix.SIGKILL); err != nil {
		return errors.Errorf("kill pid %d: %w", p.pid, err)
	}
	return nil
}

// Wait blocks until the child terminates and returns its exit status.
// Interrupted waits are retried. Once a status has been observed it is
// cached and every further call returns it without a syscall.
func (p *Process) Wait() (ExitStatus, error) {
	if p.status != nil {
		return *p.status, nil
	}
	var ws unix.WaitStatus
	err := ignoringEINTR(func() error {
		_, err := unix.Wait4(p.pid, &ws, 0, nil)
		return err
	})
	if err != nil {
		return ExitStatus{}, errors.Errorf("wait4 pid %d: %w", p.pid, err)
	}
	st := ExitStatus{raw: ws}
	p.status = &st
	return st, nil
}

// TryWait polls for termination without blocking. It returns nil while the
// child is still running; once the child has terminated it caches and
// returns the status, exactly as Wait would.
func (p *Process) TryWait() (*ExitStatus, error) {
	if p.status != nil {
		return p.status, nil
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return nil, errors.Errorf("wait4 pid %d: %w", p.pid, err)
	}
	if wpid == 0 {
		return nil, nil
	}
	st := ExitStatus{raw: ws}
	p.status = &st
	return p.status, nil
}

// ExitStatus wraps a raw wait status word. The exited / signaled / stopped /
// continued classifications are mutually exclusive views over the same value
// and mirror the kernel's encoding exactly.
type ExitStatus struct {
	raw unix.WaitStatus
}

// StatusFromRaw wraps a raw wait status integer.
func StatusFromRaw(raw int) ExitStatus {
	return ExitStatus{raw: unix.WaitStatus(raw)}
}

// Raw returns the underlying wait status word (not an exit code).
func (s ExitStatus) Raw() int {
	return int(s.raw)
}

// Success reports whether the process exited normally with code 0. Signal
// termination is never a success.
func (s ExitStatus) Success() bool {
	return s.raw.Exited() && s.raw.ExitStatus() == 0
}

// Code returns the exit code if the process exited normally. The second
// return is false when the process was killed by a signal instead.
func (s ExitStatus) Code() (int, bool) {
	if !s.raw.Exited() {
		return 0, false
	}
	return s.raw.ExitStatus(), true
}

// Signal returns the terminating signal if the process was killed by one.
func (s ExitStatus) Signal() (unix.Signal, bool) {
	if !s.raw.Signaled() {
		return 0, false
	}
	return s.raw.Signal(), true
}

// CoreDumped reports whether a signal termination produced a core dump. It
// is meaningful only when Signal reports true.
func (s ExitStatus) CoreDumped() bool {
	return s.raw.Signaled() && s.raw.CoreDump()
}

// StoppedSignal returns the stopping signal if the process is stopped. Only
// possible when the status came from a wait with WUNTRACED.
func (s ExitStatus) StoppedSignal() (unix.Signal, bool) {
	if !s.raw.Stopped() {
		return 0, false
	}
	return s.raw.StopSignal(), true
}

// Continued reports whether the process was resumed from a stop. Only
// possible when the status came from a wait with WCONTINUED.
func (s ExitStatus) Continued() bool {
	return s.raw.Continued()
}

func (s ExitStatus) String() string {
	switch {
	case s.raw.Exited():
		return fmt.Sprintf("exit status %d", s.raw.ExitStatus())
	case s.raw.Signaled():
		if s.raw.CoreDump() {
			return fmt.Sprintf("signal: %v (core dumped)", s.raw.Signal())
		}
		return fmt.Sprintf("signal: %v", s.raw.Signal())
	case s.raw.Stopped():
		return fmt.Sprintf("stopped: %v", s.raw.StopSignal())
	case s.raw.Continued():
		return "continued"
	default:
		return fmt.Sprintf("wait status %d", int(s.raw))
	}
}
