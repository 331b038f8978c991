package memexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvUnchanged(t *testing.T) {
	var e Env
	captured, changed := e.CaptureIfChanged([]string{"A=1", "B=2"})
	assert.False(t, changed)
	assert.Nil(t, captured)
	assert.False(t, e.HaveChangedPath())
}

func TestEnvSetAndRemove(t *testing.T) {
	var e Env
	e.Set("FOO", "bar")
	e.Remove("B")

	captured, changed := e.CaptureIfChanged([]string{"A=1", "B=2"})
	require.True(t, changed)
	assert.Equal(t, map[string]string{"A": "1", "FOO": "bar"}, captured)
}

func TestEnvClear(t *testing.T) {
	var e Env
	e.Clear()
	e.Set("ONLY", "this")

	captured, changed := e.CaptureIfChanged([]string{"A=1", "PATH=/usr/bin"})
	require.True(t, changed)
	assert.Equal(t, map[string]string{"ONLY": "this"}, captured)
	assert.True(t, e.HaveChangedPath())
}

func TestEnvPathTracking(t *testing.T) {
	var set Env
	set.Set("PATH", "/opt/bin")
	assert.True(t, set.HaveChangedPath())

	var removed Env
	removed.Remove("PATH")
	assert.True(t, removed.HaveChangedPath())

	var other Env
	other.Set("HOME", "/root")
	assert.False(t, other.HaveChangedPath())
}

func TestEnvOverrideWins(t *testing.T) {
	var e Env
	e.Set("A", "override")
	captured, changed := e.CaptureIfChanged([]string{"A=1"})
	require.True(t, changed)
	assert.Equal(t, "override", captured["A"])
}

func TestBuildEnvBlockDeterministicOrder(t *testing.T) {
	var sawNul bool
	block := buildEnvBlock(map[string]string{
		"ZETA":  "z",
		"ALPHA": "a",
		"MID":   "m",
	}, &sawNul)
	assert.Equal(t, []string{"ALPHA=a", "MID=m", "ZETA=z"}, block)
	assert.False(t, sawNul)
}

func TestBuildEnvBlockDropsNulEntries(t *testing.T) {
	var sawNul bool
	block := buildEnvBlock(map[string]string{
		"GOOD": "value",
		"BAD":  "has\x00nul",
	}, &sawNul)
	assert.Equal(t, []string{"GOOD=value"}, block)
	assert.True(t, sawNul)
}

func TestCheckNulPlaceholder(t *testing.T) {
	var sawNul bool
	assert.Equal(t, "fine", checkNul("fine", &sawNul))
	assert.False(t, sawNul)

	assert.Equal(t, nulPlaceholder, checkNul("bad\x00string", &sawNul))
	assert.True(t, sawNul)

	// The flag latches: good input afterwards doesn't reset it.
	assert.Equal(t, "fine", checkNul("fine", &sawNul))
	assert.True(t, sawNul)
}
