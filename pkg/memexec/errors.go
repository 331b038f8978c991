package memexec

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidInput is returned by Spawn and Exec when any configured
	// argument, environment entry, program name or working directory
	// contained an embedded NUL byte. The bad input is detected when it is
	// added but only surfaced here, so builder calls never fail.
	ErrInvalidInput = errors.New("nul byte found in provided data")

	// ErrAlreadyExited is returned by Kill once a terminal wait has been
	// observed. The pid may have been recycled by then, so sending a signal
	// would risk hitting an unrelated process.
	ErrAlreadyExited = errors.New("can't kill an exited process")

	// ErrNotExecutable indicates the kernel refused to treat a descriptor
	// as executable (security policy, or a noexec mount in the fallback).
	ErrNotExecutable = errors.New("descriptor not recognized as executable")

	// ErrShortImageWrite indicates the image could not be written in full
	// into the exec descriptor.
	ErrShortImageWrite = errors.New("short write of executable image")

	// ErrFallbackExhausted indicates every fallback directory was tried and
	// none produced a runnable file.
	ErrFallbackExhausted = errors.New("all fallback directories failed")
)

// ExecError reports a child that forked but never reached exec. It carries
// the errno the child transmitted over the error-report channel, so callers
// can distinguish it from errors that occurred before any fork happened.
type ExecError struct {
	Errno unix.Errno
}

func (e *ExecError) Error() string {
	return "child failed to exec: " + e.Errno.Error()
}

func (e *ExecError) Unwrap() error {
	return e.Errno
}
