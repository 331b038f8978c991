//go:build linux

package memexec

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// execFailureFooter trails the 4-byte big-endian errno in the child's
// 8-byte exec failure report.
const execFailureFooter = "NOEX"

// spawnSeq disambiguates fallback directory names between concurrent spawns
// from the same parent: the dir name must be computed before the fork, when
// the child pid is not known yet.
var spawnSeq atomic.Uint64

// Spawn launches the configured image as a child process.
//
// Everything observable happens before the fork: argv/envp vectors, stdio
// descriptors, fallback paths and the memfd name are all materialized here
// so the forked child only touches pre-allocated memory and raw syscalls.
// Spawn returns only after the error-report channel proves the child either
// replaced its image (success) or died reporting an errno (ExecError). A
// malformed report is a broken invariant and panics.
func (e *Executable) Spawn(ctx context.Context) (*Child, error) {
	e.logSpawn(ctx)

	envv := e.captureEnv()
	if e.sawNul {
		return nil, errors.WithStack(ErrInvalidInput)
	}

	ours, theirs, err := e.setupIO(Inherit(), true)
	if err != nil {
		return nil, err
	}

	pr, pw, err := anonPipe()
	if err != nil {
		ours.closeAll()
		theirs.closeAll()
		return nil, err
	}

	state, err := e.prepareChildState(theirs, envv, int(pr.Fd()), int(pw.Fd()))
	if err != nil {
		ours.closeAll()
		theirs.closeAll()
		pr.Close()
		pw.Close()
		return nil, err
	}

	pid, errno := forkExec(state)

	// Parent from here on; the child never returns out of forkExec.
	theirs.closeAll()
	pw.Close()
	if errno != 0 {
		pr.Close()
		ours.closeAll()
		return nil, errors.Errorf("fork: %w", errno)
	}
	proc := newProcess(pid)

	var report [8]byte
	n, err := readFull(pr, report[:])
	pr.Close()

	switch {
	case n == 0 && err == nil:
		// Close-on-exec fired: the child is running the target image.
		return newChild(proc, ours), nil

	case n == 8 && err == nil:
		if string(report[4:8]) != execFailureFooter {
			panic(fmt.Sprintf("memexec: exec status report footer mismatch: %q", report))
		}
		childErrno := unix.Errno(binary.BigEndian.Uint32(report[0:4]))
		// The child is exiting; it must be reapable. A leaked zombie with no
		// decodable cause leaves nothing the caller could trust.
		if _, werr := proc.Wait(); werr != nil {
			panic("memexec: failed to reap child after exec failure: " + werr.Error())
		}
		ours.closeAll()
		slog.DebugContext(ctx, "child failed to exec", "name", e.name, "errno", childErrno.Error())
		return nil, errors.WithStack(&ExecError{Errno: childErrno})

	default:
		// Pipe writes of 8 bytes are atomic (well under PIPE_BUF); a partial
		// or failed read means the protocol itself broke.
		proc.Wait()
		panic(fmt.Sprintf("memexec: malformed exec status report (%d bytes, err=%v)", n, err))
	}
}

// childState carries everything the post-fork child needs, fully
// materialized before the fork. The child must not allocate, so every
// string is already a NUL-terminated byte buffer and every scratch buffer
// is pre-sized.
type childState struct {
	argvp []*byte // NULL-terminated argv vector
	envpp []*byte // NULL-terminated envp vector
	dir   *byte   // working directory, nil to keep the parent's

	stdioFds [3]int // fds to dup into 0/1/2; -1 keeps the inherited one

	pipeR int // parent's read end, closed by the child first thing
	pipeW int // report channel; close-on-exec

	image []byte

	disableMemfd bool
	memfdName    *byte
	memfdFlags   uintptr

	empty     *byte  // "" pathname for execveat(AT_EMPTY_PATH)
	fdPathBuf []byte // "/proc/self/fd/" plus room for digits and NUL
	fdPathLen int

	emptySigset uint64
	sigpipeDfl  kernelSigaction
	helperDelay unix.Timespec
	reportBuf   [8]byte

	candidates []execCandidate
}

// execCandidate is one pre-resolved fallback location: a private directory
// and the image file inside it.
type execCandidate struct {
	dir  *byte
	path *byte
}

// kernelSigaction matches the kernel's sigaction layout used by
// rt_sigaction. A zero handler is SIG_DFL.
type kernelSigaction struct {
	handler  uintptr
	flags    uintptr
	restorer uintptr
	mask     uint64
}

const procFdPrefix = "/proc/self/fd/"

func (e *Executable) prepareChildState(theirs *childPipes, envv []string, pipeR, pipeW int) (*childState, error) {
	argvp, err := syscall.SlicePtrFromStrings(e.args)
	if err != nil {
		return nil, errors.Errorf("building argv: %w", err)
	}
	if envv == nil {
		// Unchanged diff: inherit the ambient environment, snapshotted once.
		envv = os.Environ()
	}
	envpp, err := syscall.SlicePtrFromStrings(envv)
	if err != nil {
		return nil, errors.Errorf("building envp: %w", err)
	}

	c := &childState{
		argvp:        argvp,
		envpp:        envpp,
		stdioFds:     theirs.fds(),
		pipeR:        pipeR,
		pipeW:        pipeW,
		image:        e.image,
		disableMemfd: e.memfdDisabled(),
		helperDelay:  unix.Timespec{Nsec: 2_000_000},
	}

	if e.hasCwd {
		if c.dir, err = syscall.BytePtrFromString(e.cwd); err != nil {
			return nil, errors.Errorf("building cwd: %w", err)
		}
	}

	if c.memfdName, err = syscall.BytePtrFromString(e.name); err != nil {
		return nil, errors.Errorf("building memfd name: %w", err)
	}
	c.memfdFlags = unix.MFD_CLOEXEC
	if emulationLikely() {
		// qemu-user mishandles close-on-exec memfds; leak the descriptor
		// into the new image instead of failing the exec.
		c.memfdFlags = 0
	}

	if c.empty, err = syscall.BytePtrFromString(""); err != nil {
		return nil, err
	}
	c.fdPathBuf = make([]byte, len(procFdPrefix)+12)
	c.fdPathLen = copy(c.fdPathBuf, procFdPrefix)

	for _, loc := range e.fallbackLocations() {
		dirp, err := syscall.BytePtrFromString(loc.dir)
		if err != nil {
			return nil, errors.Errorf("building fallback dir %s: %w", loc.dir, err)
		}
		pathp, err := syscall.BytePtrFromString(loc.path)
		if err != nil {
			return nil, errors.Errorf("building fallback path %s: %w", loc.path, err)
		}
		c.candidates = append(c.candidates, execCandidate{dir: dirp, path: pathp})
	}
	return c, nil
}

// fallbackLocation is one tmpfile-tier target: a private directory and the
// image file inside it.
type fallbackLocation struct {
	dir  string
	path string
}

// fallbackLocations resolves the ordered tmpfile locations: the system
// temporary directory, the shared-memory mount, and the per-user cache.
// Each gets a private subdirectory keyed by uid, pid and a spawn counter;
// the counter exists because the name is fixed before the fork, when the
// child pid is not known, and concurrent spawns must not collide.
func (e *Executable) fallbackLocations() []fallbackLocation {
	base := filepath.Base(e.name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "exe"
	}
	sub := fmt.Sprintf("mfd%d%d-%d", os.Getuid(), os.Getpid(), spawnSeq.Add(1))

	dirs := []string{os.TempDir(), "/dev/shm"}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".cache"))
	}

	out := make([]fallbackLocation, 0, len(dirs))
	for _, d := range dirs {
		dir := filepath.Join(d, sub)
		out = append(out, fallbackLocation{dir: dir, path: filepath.Join(dir, base)})
	}
	return out
}
