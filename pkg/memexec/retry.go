package memexec

import (
	"io"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// ignoringEINTR retries f until it returns anything other than EINTR. This is
// the retrying flavor of the errno helpers; plain syscall wrappers from
// x/sys/unix cover the non-retrying one.
func ignoringEINTR(f func() error) error {
	for {
		err := f()
		if err != unix.EINTR {
			return err
		}
	}
}

// readFull reads into buf until it is full or the reader is exhausted,
// retrying interrupted reads. It returns the number of bytes read; a clean
// EOF before any byte is (0, nil).
func readFull(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
