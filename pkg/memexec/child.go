package memexec

import (
	"io"
	"os"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

// Child combines a Process handle with the parent-side ends of whichever
// stdio streams were configured as piped. It is handed out only after the
// parent has proof the child began executing the target image. The pipe ends
// are owned by the Child; closing them is independent of the process
// lifecycle.
type Child struct {
	proc *Process

	// Stdin is the write end of the child's stdin pipe, nil unless stdin
	// was configured as Piped.
	Stdin *os.File
	// Stdout is the read end of the child's stdout pipe, nil unless piped.
	Stdout *os.File
	// Stderr is the read end of the child's stderr pipe, nil unless piped.
	Stderr *os.File
}

func newChild(proc *Process, pipes *stdioPipes) *Child {
	return &Child{
		proc:   proc,
		Stdin:  pipes.stdin,
		Stdout: pipes.stdout,
		Stderr: pipes.stderr,
	}
}

// ID returns the child's process id.
func (c *Child) ID() int {
	return c.proc.ID()
}

// Kill sends SIGKILL; it fails with ErrAlreadyExited after a terminal wait.
func (c *Child) Kill() error {
	return c.proc.Kill()
}

// TryWait polls for termination without blocking; nil means still running.
func (c *Child) TryWait() (*ExitStatus, error) {
	return c.proc.TryWait()
}

// TakeStdin detaches and returns the parent-side stdin handle, leaving the
// child without one. Wait and WaitWithOutput close an attached handle before
// blocking so a reading child sees EOF; a caller that wants to keep writing
// concurrently must take ownership first and close the handle itself.
func (c *Child) TakeStdin() *os.File {
	f := c.Stdin
	c.Stdin = nil
	return f
}

// Wait closes the parent's stdin end (so a child reading stdin sees EOF
// instead of deadlocking) and blocks until the child terminates. Idempotent
// once a status has been observed.
func (c *Child) Wait() (ExitStatus, error) {
	c.closeStdin()
	return c.proc.Wait()
}

// WaitWithOutput closes an attached stdin handle (take it first with
// TakeStdin to write concurrently), drains the piped stdout/stderr streams
// to completion, then reaps the child and packages the captured bytes with
// the exit status.
func (c *Child) WaitWithOutput() (*Output, error) {
	c.closeStdin()

	var stdout, stderr []byte
	var group errgroup.Group
	if c.Stdout != nil {
		group.Go(func() error {
			var err error
			stdout, err = io.ReadAll(c.Stdout)
			return err
		})
	}
	if c.Stderr != nil {
		group.Go(func() error {
			var err error
			stderr, err = io.ReadAll(c.Stderr)
			return err
		})
	}
	readErr := group.Wait()

	status, err := c.proc.Wait()
	if err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, errors.Errorf("draining child output: %w", readErr)
	}
	return &Output{Status: status, Stdout: stdout, Stderr: stderr}, nil
}

func (c *Child) closeStdin() {
	if c.Stdin != nil {
		c.Stdin.Close()
		c.Stdin = nil
	}
}

// Output packages captured stdout/stderr bytes with the final exit status.
type Output struct {
	Status ExitStatus
	Stdout []byte
	Stderr []byte
}

// Success reports whether the process exited normally with code 0.
func (o *Output) Success() bool {
	return o.Status.Success()
}
