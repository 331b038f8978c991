package memexec_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/VHSgunzo/memfd-exec/pkg/memexec"
	"github.com/VHSgunzo/memfd-exec/pkg/logging/tlog"
)

// The spawn tests execute this very test binary from memory: TestMain
// doubles as a tiny helper program selected through the environment, the
// same trampoline trick os/exec uses for its own tests.
func TestMain(m *testing.M) {
	switch os.Getenv("MEMEXEC_HELPER") {
	case "":
		os.Exit(m.Run())
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("MEMEXEC_HELPER_CODE"))
		os.Exit(code)
	case "echo":
		io.Copy(os.Stdout, os.Stdin)
		os.Exit(0)
	case "argv0":
		fmt.Print(os.Args[0])
		os.Exit(0)
	case "pwd":
		wd, err := os.Getwd()
		if err != nil {
			os.Exit(1)
		}
		fmt.Print(wd)
		os.Exit(0)
	case "env":
		fmt.Print(os.Getenv("MEMEXEC_HELPER_VALUE"))
		os.Exit(0)
	case "stderr":
		fmt.Fprint(os.Stderr, "to stderr")
		fmt.Fprint(os.Stdout, "to stdout")
		os.Exit(0)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "reexec":
		// Replaces this helper in place with a second copy of the binary;
		// the outer parent should observe the inner copy's exit code.
		image, err := os.ReadFile("/proc/self/exe")
		if err != nil {
			os.Exit(1)
		}
		err = memexec.New("reexec-inner", image).
			Env("MEMEXEC_HELPER", "exit").
			Env("MEMEXEC_HELPER_CODE", "13").
			Exec(context.Background())
		fmt.Fprintln(os.Stderr, "in-place exec returned:", err)
		os.Exit(1)
	default:
		os.Exit(99)
	}
}

var selfImage = sync.OnceValues(func() ([]byte, error) {
	return os.ReadFile("/proc/self/exe")
})

// helper builds an Executable running this test binary in the given helper
// mode. The mode travels through the child's environment, which also
// exercises the env capture path on every spawn.
func helper(t *testing.T, mode string) *memexec.Executable {
	t.Helper()
	image, err := selfImage()
	require.NoError(t, err, "reading own image")
	return memexec.New("memexec-test-helper", image).
		Env("MEMEXEC_HELPER", mode)
}

func testContext(t *testing.T) context.Context {
	return tlog.SetupForTest(t)
}

func TestSpawnExitZero(t *testing.T) {
	e := helper(t, "exit").Env("MEMEXEC_HELPER_CODE", "0")

	status, err := e.Status(testContext(t))
	require.NoError(t, err)

	assert.True(t, status.Success())
	code, ok := status.Code()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
	_, signaled := status.Signal()
	assert.False(t, signaled)
}

func TestSpawnExitCode(t *testing.T) {
	e := helper(t, "exit").
		Env("MEMEXEC_HELPER_CODE", "7").
		Stdout(memexec.Piped())

	status, err := e.Status(testContext(t))
	require.NoError(t, err)

	assert.False(t, status.Success())
	code, ok := status.Code()
	assert.True(t, ok)
	assert.Equal(t, 7, code)
}

func TestSpawnEchoPipes(t *testing.T) {
	e := helper(t, "echo").
		Stdin(memexec.Piped()).
		Stdout(memexec.Piped())

	child, err := e.Spawn(testContext(t))
	require.NoError(t, err)
	require.NotNil(t, child.Stdout)

	// Take ownership of stdin so WaitWithOutput doesn't close it out from
	// under the writer; the child's EOF comes from our close.
	stdin := child.TakeStdin()
	require.NotNil(t, stdin)

	done := make(chan struct{})
	go func() {
		defer close(done)
		stdin.WriteString("hello world")
		stdin.Close()
	}()

	out, err := child.WaitWithOutput()
	require.NoError(t, err)
	<-done
	assert.True(t, out.Success())
	assert.Equal(t, "hello world", string(out.Stdout))
}

func TestSpawnEchoSynchronousStdin(t *testing.T) {
	child, err := helper(t, "echo").
		Stdin(memexec.Piped()).
		Stdout(memexec.Piped()).
		Spawn(testContext(t))
	require.NoError(t, err)
	require.NotNil(t, child.Stdin)

	// Written before WaitWithOutput; its stdin close delivers the EOF.
	_, err = child.Stdin.WriteString("hello world")
	require.NoError(t, err)

	out, err := child.WaitWithOutput()
	require.NoError(t, err)
	assert.True(t, out.Success())
	assert.Equal(t, "hello world", string(out.Stdout))
}

func TestOutputCapturesBothStreams(t *testing.T) {
	out, err := helper(t, "stderr").Output(testContext(t))
	require.NoError(t, err)

	assert.True(t, out.Success())
	assert.Equal(t, "to stdout", string(out.Stdout))
	assert.Equal(t, "to stderr", string(out.Stderr))
}

func TestSpawnArgv0(t *testing.T) {
	e := helper(t, "argv0").
		SetArgv0("custom-argv0").
		Stdout(memexec.Piped())

	out, err := e.Output(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "custom-argv0", string(out.Stdout))
}

func TestSpawnCwd(t *testing.T) {
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	out, err := helper(t, "pwd").Cwd(dir).Output(testContext(t))
	require.NoError(t, err)
	require.True(t, out.Success())

	got, err := filepath.EvalSymlinks(string(out.Stdout))
	require.NoError(t, err)
	assert.Equal(t, resolved, got)
}

func TestSpawnEnvValue(t *testing.T) {
	out, err := helper(t, "env").
		Env("MEMEXEC_HELPER_VALUE", "through the diff").
		Output(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "through the diff", string(out.Stdout))
}

func TestSpawnEnvRemoved(t *testing.T) {
	t.Setenv("MEMEXEC_HELPER_VALUE", "from parent")

	out, err := helper(t, "env").
		EnvRemove("MEMEXEC_HELPER_VALUE").
		Output(testContext(t))
	require.NoError(t, err)
	assert.Empty(t, string(out.Stdout))
}

func TestNulArgumentRejected(t *testing.T) {
	e := helper(t, "exit").Arg("bad\x00arg")

	_, err := e.Spawn(testContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, memexec.ErrInvalidInput)
}

func TestNulEnvRejected(t *testing.T) {
	e := helper(t, "exit").Env("BAD", "val\x00ue")

	_, err := e.Spawn(testContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, memexec.ErrInvalidInput)
}

func TestNulNameRejected(t *testing.T) {
	image, err := selfImage()
	require.NoError(t, err)

	_, err = memexec.New("bad\x00name", image).Spawn(testContext(t))
	assert.ErrorIs(t, err, memexec.ErrInvalidInput)
}

func TestWaitIdempotent(t *testing.T) {
	e := helper(t, "exit").Env("MEMEXEC_HELPER_CODE", "3")

	child, err := e.Spawn(testContext(t))
	require.NoError(t, err)

	first, err := child.Wait()
	require.NoError(t, err)
	second, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	code, ok := second.Code()
	assert.True(t, ok)
	assert.Equal(t, 3, code)
}

func TestKillAfterWaitRefused(t *testing.T) {
	child, err := helper(t, "exit").Spawn(testContext(t))
	require.NoError(t, err)

	_, err = child.Wait()
	require.NoError(t, err)

	err = child.Kill()
	require.Error(t, err)
	assert.ErrorIs(t, err, memexec.ErrAlreadyExited)
}

func TestKillRunningChild(t *testing.T) {
	child, err := helper(t, "sleep").Spawn(testContext(t))
	require.NoError(t, err)

	require.NoError(t, child.Kill())

	status, err := child.Wait()
	require.NoError(t, err)
	assert.False(t, status.Success())
	_, exited := status.Code()
	assert.False(t, exited)
	sig, ok := status.Signal()
	assert.True(t, ok)
	assert.Equal(t, unix.SIGKILL, sig)
}

func TestTryWait(t *testing.T) {
	child, err := helper(t, "sleep").Spawn(testContext(t))
	require.NoError(t, err)

	st, err := child.TryWait()
	require.NoError(t, err)
	assert.Nil(t, st, "child should still be running")

	require.NoError(t, child.Kill())

	require.Eventually(t, func() bool {
		st, err = child.TryWait()
		return err == nil && st != nil
	}, 5*time.Second, 10*time.Millisecond)

	sig, ok := st.Signal()
	assert.True(t, ok)
	assert.Equal(t, unix.SIGKILL, sig)
}

func TestFallbackTier(t *testing.T) {
	e := helper(t, "exit").
		Env("MEMEXEC_HELPER_CODE", "5").
		WithoutMemfd()

	status, err := e.Status(testContext(t))
	require.NoError(t, err)

	code, ok := status.Code()
	require.True(t, ok)
	assert.Equal(t, 5, code)

	// The fallback tree is removed before the exec; nothing of ours may
	// remain in the candidate directories.
	pattern := fmt.Sprintf("mfd%d%d-*", os.Getuid(), os.Getpid())
	for _, dir := range []string{os.TempDir(), "/dev/shm"} {
		leftovers, err := filepath.Glob(filepath.Join(dir, pattern))
		require.NoError(t, err)
		assert.Empty(t, leftovers, "leftover fallback trees in %s", dir)
	}
}

func TestFallbackToggleEnv(t *testing.T) {
	t.Setenv("NO_MEMFDEXEC", "1")

	status, err := helper(t, "exit").Env("MEMEXEC_HELPER_CODE", "11").Status(testContext(t))
	require.NoError(t, err)

	code, ok := status.Code()
	require.True(t, ok)
	assert.Equal(t, 11, code)
}

func TestExecInPlace(t *testing.T) {
	status, err := helper(t, "reexec").Status(testContext(t))
	require.NoError(t, err)

	code, ok := status.Code()
	require.True(t, ok)
	assert.Equal(t, 13, code, "exit code of the image exec'd in place should reach the outer parent")
}

func TestExecInPlaceBadImage(t *testing.T) {
	err := memexec.New("not-a-binary", []byte("plain text, nothing the kernel can run")).
		Exec(testContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, memexec.ErrFallbackExhausted)

	// Every candidate failed, including the path-based retry; no fallback
	// tree may survive that.
	pattern := fmt.Sprintf("mfd%d%d-*", os.Getuid(), os.Getpid())
	for _, dir := range []string{os.TempDir(), "/dev/shm"} {
		leftovers, err := filepath.Glob(filepath.Join(dir, pattern))
		require.NoError(t, err)
		assert.Empty(t, leftovers, "leftover fallback trees in %s", dir)
	}
}

func TestSpawnReusableBuilder(t *testing.T) {
	e := helper(t, "env").Env("MEMEXEC_HELPER_VALUE", "same builder")

	for i := 0; i < 3; i++ {
		out, err := e.Output(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, "same builder", string(out.Stdout))
	}
}

func TestSpawnNullStdout(t *testing.T) {
	out, err := helper(t, "stderr").
		Stdout(memexec.Null()).
		Stderr(memexec.Piped()).
		Spawn(testContext(t))
	require.NoError(t, err)
	assert.Nil(t, out.Stdout)

	res, err := out.WaitWithOutput()
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "to stderr", string(res.Stderr))
}
