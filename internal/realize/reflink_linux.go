//go:build linux

package realize

import (
	"os"

	"golang.org/x/sys/unix"
)

// reflink clones src to dst copy-on-write (FICLONE). Filesystems without
// reflink support (or cross-filesystem pairs) return an error and the
// caller degrades to hardlink or copy.
func reflink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
