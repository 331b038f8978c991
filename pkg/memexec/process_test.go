package memexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

// Wait status words follow the kernel encoding: exit code in bits 8-15,
// terminating signal in bits 0-6, core-dump flag at bit 7, 0x7f in the low
// byte for stops, 0xffff for continues.

func TestExitStatusExited(t *testing.T) {
	st := StatusFromRaw(7 << 8)

	assert.False(t, st.Success())
	code, ok := st.Code()
	assert.True(t, ok)
	assert.Equal(t, 7, code)
	_, signaled := st.Signal()
	assert.False(t, signaled)
	assert.False(t, st.CoreDumped())
	assert.Equal(t, "exit status 7", st.String())
}

func TestExitStatusSuccess(t *testing.T) {
	st := StatusFromRaw(0)

	assert.True(t, st.Success())
	code, ok := st.Code()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
}

func TestExitStatusSignaled(t *testing.T) {
	st := StatusFromRaw(int(unix.SIGKILL))

	assert.False(t, st.Success())
	_, exited := st.Code()
	assert.False(t, exited)
	sig, ok := st.Signal()
	assert.True(t, ok)
	assert.Equal(t, unix.SIGKILL, sig)
	assert.False(t, st.CoreDumped())
}

func TestExitStatusCoreDump(t *testing.T) {
	st := StatusFromRaw(int(unix.SIGSEGV) | 0x80)

	sig, ok := st.Signal()
	assert.True(t, ok)
	assert.Equal(t, unix.SIGSEGV, sig)
	assert.True(t, st.CoreDumped())
}

func TestExitStatusStopped(t *testing.T) {
	st := StatusFromRaw(int(unix.SIGSTOP)<<8 | 0x7f)

	sig, ok := st.StoppedSignal()
	assert.True(t, ok)
	assert.Equal(t, unix.SIGSTOP, sig)
	_, exited := st.Code()
	assert.False(t, exited)
	_, signaled := st.Signal()
	assert.False(t, signaled)
}

func TestExitStatusContinued(t *testing.T) {
	st := StatusFromRaw(0xffff)
	assert.True(t, st.Continued())
	assert.False(t, st.Success())
}

func TestExitStatusRawRoundTrip(t *testing.T) {
	st := StatusFromRaw(0x8b00)
	assert.Equal(t, 0x8b00, st.Raw())
}
