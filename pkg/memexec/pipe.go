package memexec

import (
	"os"

	"gitlab.com/tozd/go/errors"
)

// anonPipe returns a connected (read, write) pair for the error-report
// channel. os.Pipe uses pipe2(O_CLOEXEC) on Linux, so the child's write end
// closes automatically when exec succeeds; that close is the success signal
// the parent waits for.
func anonPipe() (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errors.Errorf("creating status pipe: %w", err)
	}
	return r, w, nil
}
