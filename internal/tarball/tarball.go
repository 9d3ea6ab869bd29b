// Package tarball implements the streaming tarball pipeline (spec.md §4.4):
// wire bytes from the network (or a local file) flow through an integrity
// checker, a gzip decoder, and a tar entry decoder, in that order, so the
// hash is computed over exactly the bytes the registry published. Entries
// are delivered sequentially; extraction enforces the entry-type and
// path-escape policy before anything touches the destination tree.
package tarball

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/orogene/orogene-sub001/internal/engerr"
	"github.com/orogene/orogene-sub001/internal/integrity"
)

// mmapWriteThreshold is the size above which extraction preallocates the
// destination and writes through a mapping instead of buffered copies.
const mmapWriteThreshold = 1 << 20

// EntryType classifies the archive entries the pipeline materialises.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDir
	TypeSymlink
	TypeHardlink
)

// Entry is one archive member. Body is valid only until the next call to
// Reader.Next; consumers copy or process in place before advancing.
type Entry struct {
	// Path is the member path with the archive's top-level directory
	// component (conventionally "package/") stripped, slash-separated.
	Path string
	Size int64
	Mode fs.FileMode
	Type EntryType
	// LinkTarget is the symlink target, or the in-archive path a hardlink
	// member aliases (also top-component-stripped).
	LinkTarget string
	Body       io.Reader
}

// Reader decodes a gzip-compressed tarball from r while hashing the raw
// wire bytes against expected. Pass a zero Integrity to skip verification
// (local directory packs carry no declared digest).
type Reader struct {
	raw     *checkedReader
	gz      *gzip.Reader
	tr      *tar.Reader
	checker *integrity.Checker
	done    bool
}

// checkedReader feeds every raw byte through the integrity checker before
// any decompression sees it, placing the verifier at the outer boundary.
type checkedReader struct {
	r       io.Reader
	checker *integrity.Checker
}

func (c *checkedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.checker != nil {
		c.checker.Update(p[:n])
	}
	return n, err
}

// NewReader builds the adapter chain over r.
func NewReader(r io.Reader, expected integrity.Integrity) (*Reader, error) {
	var checker *integrity.Checker
	if !expected.IsZero() {
		var err error
		checker, err = integrity.NewChecker(expected)
		if err != nil {
			return nil, engerr.New(engerr.CodeParseIntegrity, nil, err)
		}
	}
	raw := &checkedReader{r: r, checker: checker}
	gz, err := gzip.NewReader(raw)
	if err != nil {
		return nil, engerr.New(engerr.CodeTarballMalformed, nil, err)
	}
	return &Reader{raw: raw, gz: gz, tr: tar.NewReader(gz), checker: checker}, nil
}

// Next returns the next materialisable entry, skipping tar metadata members
// (pax headers, global extended headers). It returns io.EOF at the end of
// the archive; callers then invoke Finalize for the integrity verdict.
func (r *Reader) Next() (*Entry, error) {
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, engerr.New(engerr.CodeTarballMalformed, nil, err)
		}

		var typ EntryType
		switch hdr.Typeflag {
		case tar.TypeReg:
			typ = TypeFile
		case tar.TypeDir:
			typ = TypeDir
		case tar.TypeSymlink:
			typ = TypeSymlink
		case tar.TypeLink:
			typ = TypeHardlink
		case tar.TypeXHeader, tar.TypeXGlobalHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
			continue
		default:
			return nil, engerr.New(engerr.CodeTarballEntryType, map[string]any{
				"path": hdr.Name,
				"type": int(hdr.Typeflag),
			}, nil)
		}

		clean, err := normalizePath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if clean == "" {
			// The stripped top-level directory itself.
			continue
		}

		entry := &Entry{
			Path: clean,
			Size: hdr.Size,
			Mode: fs.FileMode(hdr.Mode) & fs.ModePerm,
			Type: typ,
			Body: r.tr,
		}
		switch typ {
		case TypeSymlink:
			entry.LinkTarget = hdr.Linkname
		case TypeHardlink:
			target, err := normalizePath(hdr.Linkname)
			if err != nil {
				return nil, err
			}
			entry.LinkTarget = target
		}
		return entry, nil
	}
}

// normalizePath strips the archive's top-level directory component, cleans
// the remainder, and rejects absolute or destination-escaping paths.
func normalizePath(name string) (string, error) {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", engerr.New(engerr.CodeTarballPathEscape, map[string]any{"path": name}, nil)
	}
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", engerr.New(engerr.CodeTarballPathEscape, map[string]any{"path": name}, nil)
	}
	i := strings.IndexByte(clean, '/')
	if i < 0 {
		// A bare top-level member ("package" or "package/"): nothing below it.
		return "", nil
	}
	rest := clean[i+1:]
	if rest == ".." || strings.HasPrefix(rest, "../") || path.IsAbs(rest) {
		return "", engerr.New(engerr.CodeTarballPathEscape, map[string]any{"path": name}, nil)
	}
	return rest, nil
}

// Finalize drains any trailing raw bytes (gzip padding past the last tar
// block still counts toward the wire hash) and returns the integrity
// verdict. A mismatch surfaces as CodeIntegrityMismatch, distinct from the
// I/O errors the rest of the chain produces.
func (r *Reader) Finalize() error {
	if r.done {
		return nil
	}
	r.done = true
	if _, err := io.Copy(io.Discard, r.raw); err != nil {
		return engerr.New(engerr.CodeFetchIO, nil, err)
	}
	if r.checker == nil {
		return nil
	}
	if _, err := r.checker.Finalize(); err != nil {
		return engerr.New(engerr.CodeIntegrityMismatch, nil, err)
	}
	return nil
}

// FileRecord describes one regular file placed by Extract, including the
// integrity of its bytes so a later validate pass can re-hash and compare.
type FileRecord struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Mode      uint32 `json:"mode"`
	Integrity string `json:"integrity"`
}

// Extract materialises every entry of r under dest, applying the §4.4 write
// policy: parent directories created on demand, destinations opened
// create-new, large files preallocated and written through a mapping,
// modes masked to the low 12 bits with owner-write always set. Hardlink
// members are resolved by path substitution within the same archive, so
// extraction order in the stream is honoured as-is. Returns records for
// every regular file, sorted by path.
func Extract(ctx context.Context, r *Reader, dest string) ([]FileRecord, error) {
	var records []FileRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch entry.Type {
		case TypeDir:
			if err := os.MkdirAll(filepath.Join(dest, filepath.FromSlash(entry.Path)), 0o777); err != nil {
				return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"path": entry.Path}, err)
			}
		case TypeSymlink:
			target := filepath.Join(dest, filepath.FromSlash(entry.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
				return nil, engerr.New(engerr.CodeCacheIO, nil, err)
			}
			if err := os.Symlink(entry.LinkTarget, target); err != nil && !os.IsExist(err) {
				return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"path": entry.Path}, err)
			}
		case TypeHardlink:
			src := filepath.Join(dest, filepath.FromSlash(entry.LinkTarget))
			target := filepath.Join(dest, filepath.FromSlash(entry.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
				return nil, engerr.New(engerr.CodeCacheIO, nil, err)
			}
			if err := os.Link(src, target); err != nil {
				return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"path": entry.Path, "target": entry.LinkTarget}, err)
			}
		case TypeFile:
			rec, err := writeFile(dest, entry)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}
	if err := r.Finalize(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

func writeFile(dest string, entry *Entry) (FileRecord, error) {
	target := filepath.Join(dest, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return FileRecord{}, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	mode := entry.Mode&0o7777 | 0o200
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		if os.IsExist(err) {
			return FileRecord{}, engerr.New(engerr.CodeRealiseConflict, map[string]any{"path": entry.Path}, err)
		}
		return FileRecord{}, engerr.New(engerr.CodeCacheIO, map[string]any{"path": entry.Path}, err)
	}
	defer f.Close()

	hasher := integrity.NewHasher(integrity.SHA512)
	src := io.TeeReader(entry.Body, hasher)

	written := false
	if entry.Size >= mmapWriteThreshold {
		attempted, err := mmapWriteFile(f, entry.Size, src)
		if attempted && err != nil {
			return FileRecord{}, engerr.New(engerr.CodeCacheIO, map[string]any{"path": entry.Path}, err)
		}
		written = attempted && err == nil
	}
	if !written {
		if _, err := io.Copy(f, src); err != nil {
			return FileRecord{}, engerr.New(engerr.CodeCacheIO, map[string]any{"path": entry.Path}, err)
		}
	}
	if err := f.Chmod(mode); err != nil {
		return FileRecord{}, engerr.New(engerr.CodeCacheIO, map[string]any{"path": entry.Path}, err)
	}
	return FileRecord{
		Path:      entry.Path,
		Size:      entry.Size,
		Mode:      uint32(mode),
		Integrity: hasher.Sum().String(),
	}, nil
}

// GzipStream wraps an uncompressed tar stream in gzip compression, giving
// locally-produced archives (git archive output) the same wire shape as
// registry tarballs.
func GzipStream(src io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, src)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// Pack streams dir's contents as a gzip-compressed tarball with the
// conventional "package/" prefix, the form a registry would serve. Used by
// the directory fetcher to give local packages the same wire shape as
// registry ones. Entries are emitted in sorted path order so packing the
// same tree twice yields identical bytes.
func Pack(dir string) (io.ReadCloser, error) {
	var paths []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if info.Name() == "node_modules" && info.IsDir() {
			return filepath.SkipDir
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"dir": dir}, err)
	}
	sort.Strings(paths)

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)
		var failed error
		for _, p := range paths {
			info, err := os.Lstat(p)
			if err != nil {
				failed = err
				break
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				failed = err
				break
			}
			name := path.Join("package", filepath.ToSlash(rel))
			switch {
			case info.IsDir():
				if err := tw.WriteHeader(&tar.Header{
					Name:     name + "/",
					Typeflag: tar.TypeDir,
					Mode:     int64(info.Mode().Perm()),
				}); err != nil {
					failed = err
				}
			case info.Mode()&fs.ModeSymlink != 0:
				link, err := os.Readlink(p)
				if err != nil {
					failed = err
					break
				}
				if err := tw.WriteHeader(&tar.Header{
					Name:     name,
					Typeflag: tar.TypeSymlink,
					Linkname: link,
					Mode:     int64(info.Mode().Perm()),
				}); err != nil {
					failed = err
				}
			case info.Mode().IsRegular():
				if err := tw.WriteHeader(&tar.Header{
					Name:     name,
					Typeflag: tar.TypeReg,
					Size:     info.Size(),
					Mode:     int64(info.Mode().Perm()),
				}); err != nil {
					failed = err
					break
				}
				f, err := os.Open(p)
				if err != nil {
					failed = err
					break
				}
				_, err = io.Copy(tw, f)
				f.Close()
				if err != nil {
					failed = err
				}
			}
			if failed != nil {
				break
			}
		}
		if err := tw.Close(); err != nil && failed == nil {
			failed = err
		}
		if err := gz.Close(); err != nil && failed == nil {
			failed = err
		}
		pw.CloseWithError(failed)
	}()
	return pr, nil
}
