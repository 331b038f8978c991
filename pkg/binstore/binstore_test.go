package binstore

import (
	"bytes"
	"compress/gzip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestRegisterRaw(t *testing.T) {
	payload := []byte("\x7fELF not really")
	Register("raw-bin", payload)

	got, err := Image("raw-bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRegisterGzip(t *testing.T) {
	payload := []byte("compressed payload bytes")
	RegisterGzip("gz-bin", gzipped(t, payload))

	got, err := Image("gz-bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// second lookup hits the cache
	again, err := Image("gz-bin")
	require.NoError(t, err)
	assert.Equal(t, payload, again)
}

func TestImageUnknown(t *testing.T) {
	_, err := Image("never-registered")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestExecutableBridge(t *testing.T) {
	payload := []byte("image bytes")
	Register("bridge-bin", payload)

	e, err := Executable("bridge-bin")
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestConcurrentReregister(t *testing.T) {
	payloadA := []byte("generation a")
	payloadB := []byte("generation b")
	gzA := gzipped(t, payloadA)
	gzB := gzipped(t, payloadB)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				RegisterGzip("race-bin", gzA)
				got, err := Image("race-bin")
				if err == nil {
					assert.Contains(t, [][]byte{payloadA, payloadB}, got)
				}
				RegisterGzip("race-bin", gzB)
			}
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, a decompression that raced an older
	// registration must not have shadowed the final one in the cache.
	RegisterGzip("race-bin", gzB)
	got, err := Image("race-bin")
	require.NoError(t, err)
	assert.Equal(t, payloadB, got)

	again, err := Image("race-bin")
	require.NoError(t, err)
	assert.Equal(t, payloadB, again)
}

func TestReregisterReplaces(t *testing.T) {
	Register("swap-bin", []byte("first"))
	got, err := Image("swap-bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	RegisterGzip("swap-bin", gzipped(t, []byte("second")))
	got, err = Image("swap-bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}
