package memexec

import (
	"os"

	"gitlab.com/tozd/go/errors"
)

type stdioMode int

const (
	stdioInherit stdioMode = iota
	stdioPiped
	stdioNull
)

// Stdio selects how one of the child's standard streams is wired up.
type Stdio struct {
	mode stdioMode
}

// Inherit leaves the stream connected to the caller's corresponding stream.
func Inherit() Stdio { return Stdio{mode: stdioInherit} }

// Piped connects the stream to a fresh pipe whose parent end is exposed on
// the Child handle.
func Piped() Stdio { return Stdio{mode: stdioPiped} }

// Null discards the stream (reads see EOF, writes vanish) via /dev/null.
func Null() Stdio { return Stdio{mode: stdioNull} }

// childStdio is the child-side half of a resolved stream: the descriptor to
// dup into the standard slot, or -1 to leave the inherited one alone.
type childStdio struct {
	fd   int
	file *os.File // owned; closed by the parent after the fork
}

// toChildStdio resolves the requested mode into a (child side, parent side)
// pair. childRead is true for streams the child reads (stdin).
func (s Stdio) toChildStdio(childRead bool) (childStdio, *os.File, error) {
	switch s.mode {
	case stdioInherit:
		return childStdio{fd: -1}, nil, nil
	case stdioPiped:
		r, w, err := os.Pipe()
		if err != nil {
			return childStdio{fd: -1}, nil, errors.Errorf("creating stdio pipe: %w", err)
		}
		if childRead {
			return childStdio{fd: int(r.Fd()), file: r}, w, nil
		}
		return childStdio{fd: int(w.Fd()), file: w}, r, nil
	case stdioNull:
		flag := os.O_WRONLY
		if childRead {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(os.DevNull, flag, 0)
		if err != nil {
			return childStdio{fd: -1}, nil, errors.Errorf("opening %s: %w", os.DevNull, err)
		}
		return childStdio{fd: int(f.Fd()), file: f}, nil, nil
	default:
		return childStdio{fd: -1}, nil, errors.New("unknown stdio mode")
	}
}

// stdioPipes holds the parent-side ends of whichever streams were piped.
type stdioPipes struct {
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

func (p *stdioPipes) closeAll() {
	for _, f := range []*os.File{p.stdin, p.stdout, p.stderr} {
		if f != nil {
			f.Close()
		}
	}
}

// childPipes holds the child-side descriptors destined for fds 0, 1 and 2.
type childPipes struct {
	stdin  childStdio
	stdout childStdio
	stderr childStdio
}

// fds returns the descriptors to dup into the standard slots, -1 meaning
// "keep the inherited one".
func (p *childPipes) fds() [3]int {
	return [3]int{p.stdin.fd, p.stdout.fd, p.stderr.fd}
}

// closeAll releases the parent's references to the child-side descriptors.
// Called after the fork, and on every pre-fork error path.
func (p *childPipes) closeAll() {
	for _, c := range []childStdio{p.stdin, p.stdout, p.stderr} {
		if c.file != nil {
			c.file.Close()
		}
	}
}

// setupIO resolves all three streams. needsStdin controls the stdin default:
// when false an unconfigured stdin is discarded rather than inherited.
func (e *Executable) setupIO(def Stdio, needsStdin bool) (*stdioPipes, *childPipes, error) {
	defStdin := def
	if !needsStdin {
		defStdin = Null()
	}
	pick := func(configured *Stdio, fallback Stdio) Stdio {
		if configured != nil {
			return *configured
		}
		return fallback
	}

	theirs := &childPipes{}
	ours := &stdioPipes{}
	var err error

	if theirs.stdin, ours.stdin, err = pick(e.stdin, defStdin).toChildStdio(true); err != nil {
		return nil, nil, err
	}
	if theirs.stdout, ours.stdout, err = pick(e.stdout, def).toChildStdio(false); err != nil {
		theirs.closeAll()
		ours.closeAll()
		return nil, nil, err
	}
	if theirs.stderr, ours.stderr, err = pick(e.stderr, def).toChildStdio(false); err != nil {
		theirs.closeAll()
		ours.closeAll()
		return nil, nil, err
	}
	return ours, theirs, nil
}
