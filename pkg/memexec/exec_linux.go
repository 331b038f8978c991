//go:build linux

package memexec

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"syscall"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Exec replaces the current process image with the configured executable,
// like an in-memory execve. On success it never returns. All the validation
// and stdio plumbing of Spawn applies, but everything runs in the current
// (still multithreaded) process with ordinary Go code; syscall.Exec does the
// final runtime handoff.
func (e *Executable) Exec(ctx context.Context) error {
	envv := e.captureEnv()
	if e.sawNul {
		return errors.WithStack(ErrInvalidInput)
	}
	if envv == nil {
		envv = os.Environ()
	}

	ours, theirs, err := e.setupIO(Inherit(), true)
	if err != nil {
		return err
	}
	// Cleanup only matters on the failure paths; on success the exec drops
	// every close-on-exec descriptor for us.
	defer ours.closeAll()
	defer theirs.closeAll()

	if e.hasCwd {
		if err := os.Chdir(e.cwd); err != nil {
			return errors.Errorf("chdir %s: %w", e.cwd, err)
		}
	}
	for slot, fd := range theirs.fds() {
		if fd < 0 || fd == slot {
			continue
		}
		if err := unix.Dup3(fd, slot, 0); err != nil {
			return errors.Errorf("remapping stdio fd %d: %w", slot, err)
		}
	}

	if !e.memfdDisabled() {
		err := e.execMemfd(envv)
		slog.DebugContext(ctx, "memfd exec failed, trying tmpfile fallback",
			"name", e.name, "err", err.Error())
	}
	return e.execTmpfile(ctx, envv)
}

// execMemfd is the in-place rendition of the memfd tier. Returns only on
// failure.
func (e *Executable) execMemfd(envv []string) error {
	flags := unix.MFD_CLOEXEC
	if emulationLikely() {
		flags = 0
	}
	mfd, err := unix.MemfdCreate(e.name, flags)
	if err != nil {
		return errors.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(mfd), e.name)
	defer f.Close()

	path := procFdPrefix + strconv.Itoa(mfd)
	if unix.Access(path, unix.X_OK) != nil {
		return errors.WithStack(ErrNotExecutable)
	}
	if err := writeImage(f, e.image); err != nil {
		return err
	}
	// Returns only on failure.
	return errors.Errorf("execve %s: %w", path, syscall.Exec(path, e.args, envv))
}

// execTmpfile is the in-place rendition of the fallback tier. The
// self-healing retry here cannot fork a cleanup helper (the process is
// multithreaded), so it execs the recreated file directly and accepts the
// leftover tree; the spawn path covers the helper variant.
func (e *Executable) execTmpfile(ctx context.Context, envv []string) error {
	var lastErr error
	for _, loc := range e.fallbackLocations() {
		dir, path := loc.dir, loc.path

		if err := materializeImage(dir, path, e.image); err != nil {
			lastErr = err
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			os.RemoveAll(dir)
			lastErr = err
			continue
		}
		os.RemoveAll(dir)
		fdPath := procFdPrefix + strconv.Itoa(int(f.Fd()))
		execErr := syscall.Exec(fdPath, e.args, envv)
		f.Close()

		slog.DebugContext(ctx, "exec of unlinked descriptor failed, retrying in place",
			"path", path, "err", execErr.Error())
		if err := materializeImage(dir, path, e.image); err != nil {
			lastErr = err
			continue
		}
		lastErr = errors.Errorf("execve %s: %w", path, syscall.Exec(path, e.args, envv))
		// The recreated tree is only useful to a successful exec; the retry
		// failed, so nothing may be left behind.
		os.RemoveAll(dir)
	}
	if lastErr == nil {
		return errors.WithStack(ErrFallbackExhausted)
	}
	return errors.Join(ErrFallbackExhausted, lastErr)
}

// materializeImage writes the image as an owner-only-executable file inside
// an owner-only directory and verifies the kernel will exec it.
func materializeImage(dir, path string, image []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Errorf("creating %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return errors.Errorf("restricting %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o700)
	if err != nil {
		os.RemoveAll(dir)
		return errors.Errorf("creating %s: %w", path, err)
	}
	if err := f.Chmod(0o700); err != nil {
		f.Close()
		os.RemoveAll(dir)
		return errors.Errorf("restricting %s: %w", path, err)
	}
	if unix.Access(path, unix.X_OK) != nil {
		f.Close()
		os.RemoveAll(dir)
		return errors.WithStack(ErrNotExecutable)
	}
	if err := writeImage(f, image); err != nil {
		f.Close()
		os.RemoveAll(dir)
		return err
	}
	return f.Close()
}

func writeImage(f *os.File, image []byte) error {
	n, err := f.Write(image)
	if err != nil {
		return errors.Errorf("writing image: %w", err)
	}
	if n != len(image) {
		return errors.WithStack(ErrShortImageWrite)
	}
	return nil
}
