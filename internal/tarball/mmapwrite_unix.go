//go:build unix

package tarball

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mmapWriteFile preallocates f to size and copies src through a shared
// mapping. Only attempted above the extraction size threshold. attempted
// reports whether src may have been consumed: when false the caller is free
// to fall back to buffered writes; when true any error is final.
func mmapWriteFile(f *os.File, size int64, src io.Reader) (attempted bool, err error) {
	if err := f.Truncate(size); err != nil {
		return false, err
	}
	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return false, err
	}
	defer unix.Munmap(b)
	if _, err := io.ReadFull(src, b); err != nil {
		return true, err
	}
	return true, unix.Msync(b, unix.MS_SYNC)
}
