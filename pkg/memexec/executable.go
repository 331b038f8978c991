package memexec

import (
	"context"
	"log/slog"
	"os"
)

// Executable configures an in-memory executable for launching. It is the
// moral equivalent of os/exec.Cmd, except the program is a byte buffer
// instead of a path.
//
// The image buffer is borrowed, never copied until it is written into the
// exec descriptor at spawn time; the caller keeps ownership and must keep it
// alive and unmodified across Spawn/Exec. The builder may be reused for
// several spawns.
type Executable struct {
	image  []byte
	name   string
	args   []string // argv; args[0] always mirrors the current program name
	env    Env
	cwd    string
	hasCwd bool

	stdin  *Stdio
	stdout *Stdio
	stderr *Stdio

	noMemfd bool
	sawNul  bool
}

// New returns a builder for the given display name and executable image.
// The name becomes argv[0] (override with SetArgv0 if the program expects
// something specific) and tags the memfd for diagnostics.
func New(name string, image []byte) *Executable {
	e := &Executable{
		image: image,
	}
	e.name = checkNul(name, &e.sawNul)
	e.args = []string{e.name}
	return e
}

// Arg appends one argument.
func (e *Executable) Arg(arg string) *Executable {
	e.args = append(e.args, checkNul(arg, &e.sawNul))
	return e
}

// Args appends several arguments.
func (e *Executable) Args(args ...string) *Executable {
	for _, a := range args {
		e.Arg(a)
	}
	return e
}

// SetArgv0 replaces the program name seen by the child as its zeroth
// argument, independent of the name given to New.
func (e *Executable) SetArgv0(name string) *Executable {
	e.name = checkNul(name, &e.sawNul)
	e.args[0] = e.name
	return e
}

// Name returns the current program display name.
func (e *Executable) Name() string {
	return e.name
}

// Env sets an environment variable for the child.
func (e *Executable) Env(key, value string) *Executable {
	e.env.Set(checkNul(key, &e.sawNul), checkNul(value, &e.sawNul))
	return e
}

// Envs sets several environment variables.
func (e *Executable) Envs(vars map[string]string) *Executable {
	for k, v := range vars {
		e.Env(k, v)
	}
	return e
}

// EnvRemove removes a variable from the child's environment.
func (e *Executable) EnvRemove(key string) *Executable {
	e.env.Remove(checkNul(key, &e.sawNul))
	return e
}

// EnvClear starts the child with an empty environment.
func (e *Executable) EnvClear() *Executable {
	e.env.Clear()
	return e
}

// EnvChangedPath reports whether the configured environment diff touches the
// effective value of PATH.
func (e *Executable) EnvChangedPath() bool {
	return e.env.HaveChangedPath()
}

// Cwd sets the child's working directory.
func (e *Executable) Cwd(dir string) *Executable {
	e.cwd = checkNul(dir, &e.sawNul)
	e.hasCwd = true
	return e
}

// Stdin configures the child's standard input. Unset means inherit.
func (e *Executable) Stdin(s Stdio) *Executable {
	e.stdin = &s
	return e
}

// Stdout configures the child's standard output. Unset means inherit.
func (e *Executable) Stdout(s Stdio) *Executable {
	e.stdout = &s
	return e
}

// Stderr configures the child's standard error. Unset means inherit.
func (e *Executable) Stderr(s Stdio) *Executable {
	e.stderr = &s
	return e
}

// WithoutMemfd skips the memfd tier and launches through the tmpfile
// fallback only. The NO_MEMFDEXEC=1 environment variable has the same
// effect and is read once per spawn.
func (e *Executable) WithoutMemfd() *Executable {
	e.noMemfd = true
	return e
}

func (e *Executable) memfdDisabled() bool {
	return e.noMemfd || os.Getenv("NO_MEMFDEXEC") == "1"
}

// captureEnv flattens the environment diff into KEY=VALUE strings, or
// returns nil when the child should inherit the ambient environment
// untouched. The ambient snapshot is taken exactly once, here, strictly
// before any fork.
func (e *Executable) captureEnv() []string {
	captured, changed := e.env.CaptureIfChanged(os.Environ())
	if !changed {
		return nil
	}
	return buildEnvBlock(captured, &e.sawNul)
}

// Output spawns the child with stdout and stderr piped, waits for it to
// finish and returns the captured output together with the exit status.
func (e *Executable) Output(ctx context.Context) (*Output, error) {
	if e.stdout == nil {
		e.Stdout(Piped())
	}
	if e.stderr == nil {
		e.Stderr(Piped())
	}
	child, err := e.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	return child.WaitWithOutput()
}

// Status spawns the child and waits for it to finish, returning only the
// exit status. Stdio streams keep their configured (default inherit) modes.
func (e *Executable) Status(ctx context.Context) (ExitStatus, error) {
	child, err := e.Spawn(ctx)
	if err != nil {
		return ExitStatus{}, err
	}
	return child.Wait()
}

func (e *Executable) logSpawn(ctx context.Context) {
	slog.DebugContext(ctx, "spawning in-memory executable",
		"name", e.name,
		"args", len(e.args),
		"image_bytes", len(e.image),
		"memfd_disabled", e.memfdDisabled(),
	)
}
