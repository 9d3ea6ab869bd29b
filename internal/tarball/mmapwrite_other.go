//go:build !unix

package tarball

import (
	"errors"
	"io"
	"os"
)

// mmapWriteFile is unavailable off unix; the caller falls back to buffered
// writes.
func mmapWriteFile(_ *os.File, _ int64, _ io.Reader) (bool, error) {
	return false, errors.New("tarball: mmap write unsupported on this platform")
}
