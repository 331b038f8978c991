//go:build linux

package memexec

import (
	"syscall"
	"unsafe" // also required for go:linkname

	"golang.org/x/sys/unix"
)

// The runtime must quiesce around a raw fork: beforeFork parks the other
// threads' view of the world and afterFork/afterForkInChild restore it.
// These are the same hooks the syscall package uses for ForkExec.
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// AT_FDCWD as a uintptr (-100 in two's complement).
const _AT_FDCWD = ^uintptr(99)

// forkExec forks and, in the child, runs the tiered exec strategy. It
// returns only in the parent. After the clone the child is single-threaded:
// no allocation, no locks, no Go runtime services — raw syscalls over the
// pre-allocated childState only, until execveat replaces the image or
// childFail terminates the process.
//
//go:norace
func forkExec(c *childState) (int, syscall.Errno) {
	syscall.ForkLock.Lock()
	beforeFork()
	r1, _, err1 := syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0, 0, 0, 0)
	if err1 != 0 || r1 != 0 {
		afterFork()
		syscall.ForkLock.Unlock()
		return int(r1), err1
	}

	// Child.
	afterForkInChild()
	childRun(c)
	panic("unreachable")
}

// childRun is the whole life of the forked child short of the new image:
// shed the parent's pipe end, reset signal state, move to the requested
// directory, remap stdio, then try the exec tiers. Any path that does not
// end in a successful execveat ends in childFail.
//
//go:norace
//go:nosplit
func childRun(c *childState) {
	syscall.RawSyscall(unix.SYS_CLOSE, uintptr(c.pipeR), 0, 0)

	// Signal handling first: empty mask, default SIGPIPE. The parent's Go
	// runtime ignores SIGPIPE and masks signals on its threads; the program
	// we are about to run expects a clean slate.
	_, _, err1 := syscall.RawSyscall6(unix.SYS_RT_SIGPROCMASK, uintptr(unix.SIG_SETMASK),
		uintptr(unsafe.Pointer(&c.emptySigset)), 0, 8, 0, 0)
	if err1 != 0 {
		childFail(c, err1)
	}
	_, _, err1 = syscall.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(unix.SIGPIPE),
		uintptr(unsafe.Pointer(&c.sigpipeDfl)), 0, 8, 0, 0)
	if err1 != 0 {
		childFail(c, err1)
	}

	if c.dir != nil {
		_, _, err1 = syscall.RawSyscall(unix.SYS_CHDIR, uintptr(unsafe.Pointer(c.dir)), 0, 0)
		if err1 != 0 {
			childFail(c, err1)
		}
	}

	for i := 0; i < 3; i++ {
		fd := c.stdioFds[i]
		if fd < 0 {
			continue
		}
		if fd == i {
			// Already in the right slot; just clear close-on-exec.
			_, _, err1 = syscall.RawSyscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETFD, 0)
		} else {
			_, _, err1 = syscall.RawSyscall(unix.SYS_DUP3, uintptr(fd), uintptr(i), 0)
		}
		if err1 != 0 {
			childFail(c, err1)
		}
	}

	lastErr := syscall.ENOEXEC

	// Tier 1: anonymous memory-backed descriptor.
	if !c.disableMemfd {
		mfd, _, errno := syscall.RawSyscall(unix.SYS_MEMFD_CREATE,
			uintptr(unsafe.Pointer(c.memfdName)), c.memfdFlags, 0)
		if errno != 0 {
			lastErr = errno
		} else if !childFdExecutable(c, mfd) {
			// Kernel or policy refuses anonymous-memory exec.
			syscall.RawSyscall(unix.SYS_CLOSE, mfd, 0, 0)
			lastErr = syscall.EACCES
		} else {
			if errno = childWriteAll(mfd, c.image); errno != 0 {
				childFail(c, errno)
			}
			errno = childExecFd(c, mfd)
			// Exec failed; don't leak the memfd into whatever runs next.
			syscall.RawSyscall(unix.SYS_CLOSE, mfd, 0, 0)
			lastErr = errno
		}
	}

	// Tier 2: short-lived file under a writable directory.
	for i := range c.candidates {
		errno := childTryCandidate(c, &c.candidates[i])
		if errno != 0 {
			lastErr = errno
		}
	}
	childFail(c, lastErr)
}

// childTryCandidate materializes the image under one fallback location and
// execs it by descriptor. A non-zero return means this candidate could not
// produce a runnable file and the next one should be tried; success never
// returns.
//
//go:nosplit
func childTryCandidate(c *childState, cand *execCandidate) syscall.Errno {
	if errno := childCreateImageFile(c, cand); errno != 0 {
		return errno
	}

	// Reopen read-only and drop the directory entry before exec; the open
	// descriptor stays valid and executable without it.
	fd, _, errno := syscall.RawSyscall6(unix.SYS_OPENAT, _AT_FDCWD,
		uintptr(unsafe.Pointer(cand.path)), unix.O_RDONLY|unix.O_CLOEXEC, 0, 0, 0)
	if errno != 0 {
		childRemoveCandidate(cand)
		return errno
	}
	childRemoveCandidate(cand)
	errno = childExecFd(c, fd)
	syscall.RawSyscall(unix.SYS_CLOSE, fd, 0, 0)

	// Exec after unlink fails on some filesystems. Retry once, decoupling
	// the cleanup: rewrite the file, fork a helper whose only job is to
	// remove the tree after a short delay, and exec immediately.
	if werrno := childCreateImageFile(c, cand); werrno != 0 {
		return werrno
	}
	hpid, _, ferrno := syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0, 0, 0, 0)
	if ferrno == 0 && hpid == 0 {
		// Helper: detach, wait out the exec, remove the tree.
		syscall.RawSyscall(unix.SYS_SETSID, 0, 0, 0)
		syscall.RawSyscall(unix.SYS_NANOSLEEP, uintptr(unsafe.Pointer(&c.helperDelay)), 0, 0)
		childRemoveCandidate(cand)
		for {
			syscall.RawSyscall(unix.SYS_EXIT_GROUP, 0, 0, 0)
		}
	}
	fd, _, errno = syscall.RawSyscall6(unix.SYS_OPENAT, _AT_FDCWD,
		uintptr(unsafe.Pointer(cand.path)), unix.O_RDONLY|unix.O_CLOEXEC, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	errno = childExecFd(c, fd)
	syscall.RawSyscall(unix.SYS_CLOSE, fd, 0, 0)
	return errno
}

// childCreateImageFile creates the candidate's owner-only directory and
// writes the image into an owner-only-executable file inside it. Returns an
// errno that means "try the next candidate", except for a failed image
// write, which is fatal.
//
//go:nosplit
func childCreateImageFile(c *childState, cand *execCandidate) syscall.Errno {
	_, _, errno := syscall.RawSyscall(unix.SYS_MKDIRAT, _AT_FDCWD,
		uintptr(unsafe.Pointer(cand.dir)), 0o700)
	if errno != 0 && errno != syscall.EEXIST {
		return errno
	}
	syscall.RawSyscall6(unix.SYS_FCHMODAT, _AT_FDCWD,
		uintptr(unsafe.Pointer(cand.dir)), 0o700, 0, 0, 0)

	fd, _, errno := syscall.RawSyscall6(unix.SYS_OPENAT, _AT_FDCWD,
		uintptr(unsafe.Pointer(cand.path)),
		unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o700, 0, 0)
	if errno != 0 {
		childRemoveCandidate(cand)
		return errno
	}
	syscall.RawSyscall(unix.SYS_FCHMOD, fd, 0o700, 0)

	// Guard against noexec mounts before paying for the image write.
	_, _, errno = syscall.RawSyscall(unix.SYS_FACCESSAT, _AT_FDCWD,
		uintptr(unsafe.Pointer(cand.path)), unix.X_OK)
	if errno != 0 {
		syscall.RawSyscall(unix.SYS_CLOSE, fd, 0, 0)
		childRemoveCandidate(cand)
		return syscall.EACCES
	}

	if errno = childWriteAll(fd, c.image); errno != 0 {
		childFail(c, errno)
	}
	syscall.RawSyscall(unix.SYS_CLOSE, fd, 0, 0)
	return 0
}

// childRemoveCandidate unlinks the candidate file and directory, best
// effort.
//
//go:nosplit
func childRemoveCandidate(cand *execCandidate) {
	syscall.RawSyscall(unix.SYS_UNLINKAT, _AT_FDCWD, uintptr(unsafe.Pointer(cand.path)), 0)
	syscall.RawSyscall(unix.SYS_UNLINKAT, _AT_FDCWD, uintptr(unsafe.Pointer(cand.dir)), unix.AT_REMOVEDIR)
}

// childFdExecutable reports whether the kernel will exec the descriptor,
// via access(X_OK) on its /proc/self/fd entry.
//
//go:nosplit
func childFdExecutable(c *childState, fd uintptr) bool {
	p := childFdPath(c, fd)
	_, _, errno := syscall.RawSyscall(unix.SYS_FACCESSAT, _AT_FDCWD,
		uintptr(unsafe.Pointer(p)), unix.X_OK)
	return errno == 0
}

// childFdPath formats /proc/self/fd/<fd> into the pre-allocated buffer.
//
//go:nosplit
func childFdPath(c *childState, fd uintptr) *byte {
	buf := c.fdPathBuf
	i := c.fdPathLen
	if fd == 0 {
		buf[i] = '0'
		i++
	} else {
		start := i
		for fd > 0 {
			buf[i] = byte('0' + fd%10)
			fd /= 10
			i++
		}
		for l, r := start, i-1; l < r; l, r = l+1, r-1 {
			buf[l], buf[r] = buf[r], buf[l]
		}
	}
	buf[i] = 0
	return &buf[0]
}

// childWriteAll writes the whole image into fd. A write that makes no
// progress is reported as EPIPE (short-write class).
//
//go:nosplit
func childWriteAll(fd uintptr, p []byte) syscall.Errno {
	var off uintptr
	for off < uintptr(len(p)) {
		n, _, errno := syscall.RawSyscall(unix.SYS_WRITE, fd,
			uintptr(unsafe.Pointer(&p[off])), uintptr(len(p))-off)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		if n == 0 {
			return syscall.EPIPE
		}
		off += n
	}
	return 0
}

// childExecFd replaces the process image with the open descriptor. Returns
// only on failure.
//
//go:nosplit
func childExecFd(c *childState, fd uintptr) syscall.Errno {
	_, _, errno := syscall.RawSyscall6(unix.SYS_EXECVEAT, fd,
		uintptr(unsafe.Pointer(c.empty)),
		uintptr(unsafe.Pointer(&c.argvp[0])),
		uintptr(unsafe.Pointer(&c.envpp[0])),
		unix.AT_EMPTY_PATH, 0)
	return errno
}

// childFail sends the 8-byte failure report (big-endian errno plus footer)
// to the parent and terminates. It never returns; the child must not resume
// Go code that belongs to the parent's program.
//
//go:nosplit
func childFail(c *childState, errno syscall.Errno) {
	e := uint32(errno)
	c.reportBuf[0] = byte(e >> 24)
	c.reportBuf[1] = byte(e >> 16)
	c.reportBuf[2] = byte(e >> 8)
	c.reportBuf[3] = byte(e)
	c.reportBuf[4] = execFailureFooter[0]
	c.reportBuf[5] = execFailureFooter[1]
	c.reportBuf[6] = execFailureFooter[2]
	c.reportBuf[7] = execFailureFooter[3]
	syscall.RawSyscall(unix.SYS_WRITE, uintptr(c.pipeW),
		uintptr(unsafe.Pointer(&c.reportBuf[0])), 8)
	for {
		syscall.RawSyscall(unix.SYS_EXIT_GROUP, uintptr(errno), 0, 0)
	}
}
