// Package binstore is a process-wide registry of executable images meant to
// be populated from go:embed blobs at init time. Images may be registered
// compressed; decompression happens once on first use and the result is
// cached.
package binstore

import (
	"bytes"
	"io"
	"sync"

	"github.com/mholt/archives"
	"gitlab.com/tozd/go/errors"

	"github.com/VHSgunzo/memfd-exec/pkg/memexec"
)

var (
	mu            sync.Mutex
	registry      = map[string][]byte{}
	decompressors = map[string]archives.Compression{}
	generations   = map[string]uint64{}

	cacheMu sync.Mutex
	cache   = map[string][]byte{}
)

// Register stores an uncompressed executable image under name.
func Register(name string, binary []byte) {
	register(name, binary, nil)
}

// RegisterXZ stores an xz-compressed executable image under name.
func RegisterXZ(name string, binary []byte) {
	register(name, binary, &archives.Xz{})
}

// RegisterGzip stores a gzip-compressed executable image under name.
func RegisterGzip(name string, binary []byte) {
	register(name, binary, &archives.Gz{})
}

// RegisterZstd stores a zstd-compressed executable image under name.
func RegisterZstd(name string, binary []byte) {
	register(name, binary, &archives.Zstd{})
}

func register(name string, binary []byte, c archives.Compression) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = binary
	if c != nil {
		decompressors[name] = c
	} else {
		delete(decompressors, name)
	}
	generations[name]++

	cacheMu.Lock()
	delete(cache, name)
	cacheMu.Unlock()
}

// Image returns the decompressed image bytes for name. The returned slice is
// shared; callers must not modify it.
func Image(name string) ([]byte, error) {
	cacheMu.Lock()
	bin, ok := cache[name]
	cacheMu.Unlock()
	if ok {
		return bin, nil
	}

	mu.Lock()
	raw, ok := registry[name]
	decompressor := decompressors[name]
	gen := generations[name]
	mu.Unlock()

	if !ok {
		return nil, errors.Errorf("binary not registered: %s", name)
	}

	if decompressor == nil {
		return raw, nil
	}

	rdr, err := decompressor.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Errorf("decompressing binary %s: %w", name, err)
	}
	defer rdr.Close()

	bin, err = io.ReadAll(rdr)
	if err != nil {
		return nil, errors.Errorf("reading decompressed binary %s: %w", name, err)
	}

	// A re-register may have raced the decompression; its bytes win and a
	// stale result must not shadow them in the cache.
	mu.Lock()
	if generations[name] == gen {
		cacheMu.Lock()
		cache[name] = bin
		cacheMu.Unlock()
	}
	mu.Unlock()

	return bin, nil
}

// MustImage is Image for init-time use; it panics when the name is unknown.
func MustImage(name string) []byte {
	bin, err := Image(name)
	if err != nil {
		panic(err)
	}
	return bin
}

// Executable returns a builder ready to run the registered image.
func Executable(name string) (*memexec.Executable, error) {
	bin, err := Image(name)
	if err != nil {
		return nil, err
	}
	return memexec.New(name, bin), nil
}
