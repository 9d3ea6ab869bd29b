//go:build !unix

package cas

import "os"

// mmapFile is unavailable on this platform (spec.md §9 Windows filesystem
// quirks); the caller always falls back to buffered I/O.
func mmapFile(f *os.File, size int) (data []byte, closer func() error, ok bool) {
	return nil, nil, false
}
