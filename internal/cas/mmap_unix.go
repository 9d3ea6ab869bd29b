//go:build unix

package cas

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps the whole file read-only. It is only attempted for blobs
// whose size falls in the read fast-path window (spec.md §4.2); the caller
// falls back to buffered I/O when ok is false.
func mmapFile(f *os.File, size int) (data []byte, closer func() error, ok bool) {
	if size <= 0 {
		return nil, nil, false
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, false
	}
	return b, func() error { return unix.Munmap(b) }, true
}
