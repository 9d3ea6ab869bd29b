// Package cas implements the content-addressed cache described in spec.md
// §4.2/§6: a disk tree addressing blobs by their integrity digest, usable
// concurrently by multiple processes without in-process locking, plus an
// index tree mapping arbitrary string keys to those blobs. The on-disk
// layout and the atomic temp-file-then-rename write path are grounded on the
// teacher's registry/storage/driver/filesystem.Driver.PutContent and
// registry/storage/paths.go path-splay, with the exact blob body shape
// (8-byte size header + deflate payload) and the mmap read-size window
// taken from the retrieved orogene sources (crates/cacache/src/content).
package cas

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/orogene/orogene-sub001/internal/engctx"
	"github.com/orogene/orogene-sub001/internal/engerr"
	"github.com/orogene/orogene-sub001/internal/integrity"
)

const (
	contentDirName = "content-v2"
	indexDirName   = "index-v5"
	tmpDirName     = "tmp"

	// MinMmapReadSize and MaxMmapReadSize bound the read fast-path window
	// (spec.md §4.2): below MinMmapReadSize or above MaxMmapReadSize,
	// buffered I/O is used instead of mmap.
	MinMmapReadSize = 1 << 20
	MaxMmapReadSize = 10 << 20
)

// DefaultAlgorithm is the hash the cache uses to address its own writes.
// Callers verifying against a registry-declared integrity do so at the
// tarball layer (L3), independent of how the CAS addresses its blobs.
const DefaultAlgorithm = integrity.SHA512

// IndexEntry is one record of the index tree: a key, the integrity of the
// content it points at, its uncompressed size, write time, and caller
// metadata (e.g. an HTTP ETag for the on-disk HTTP cache, spec.md's
// SUPPLEMENTED FEATURES).
type IndexEntry struct {
	Key       string            `json:"key"`
	Integrity string            `json:"integrity"`
	Size      int64             `json:"size"`
	Time      time.Time         `json:"time"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Cache is a handle on one CAS root directory.
type Cache struct {
	root string
}

// Open returns a handle on root. Directory creation is lazy: it happens on
// first write, not here (spec.md §4.2 "no-op directory creation lazily").
func Open(root string) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("cas: empty root")
	}
	return &Cache{root: filepath.Clean(root)}, nil
}

func (c *Cache) ensureDirs() error {
	for _, d := range []string{contentDirName, indexDirName, tmpDirName} {
		if err := os.MkdirAll(filepath.Join(c.root, d), 0o777); err != nil {
			return engerr.New(engerr.CodeCacheIO, map[string]any{"dir": d}, err)
		}
	}
	return nil
}

func contentPath(root string, e integrity.Entry) (string, error) {
	hex, err := e.Hex()
	if err != nil {
		return "", err
	}
	if len(hex) < 5 {
		return "", fmt.Errorf("cas: digest too short to splay: %q", hex)
	}
	return filepath.Join(root, contentDirName, string(e.Algorithm), hex[0:2], hex[2:4], hex[4:]), nil
}

func indexPath(root, key string) string {
	sum := sha256.Sum256([]byte(key))
	hex := fmt.Sprintf("%x", sum[:])
	return filepath.Join(root, indexDirName, hex[0:2], hex[2:4], hex[4:])
}

// Writer is a StreamingWriter: bytes are appended incrementally; Commit
// finalizes the blob (computing its Integrity) and links it into the
// content tree plus writing an index entry; Abort (or a Writer simply never
// committed) leaves no trace, since everything happens in tmp/ until rename.
type Writer struct {
	cache    *Cache
	key      string
	alg      integrity.Algorithm
	tmpPath  string
	tmpFile  *os.File
	flateW   *flate.Writer
	hash     hash.Hash
	size     int64
	done     bool
	metadata map[string]string
}

// Metadata attaches caller metadata (e.g. an HTTP ETag) to the index entry
// Commit will write. Later calls replace earlier ones.
func (w *Writer) Metadata(m map[string]string) { w.metadata = m }

// Writer opens a new StreamingWriter for key.
func (c *Cache) Writer(ctx context.Context, key string) (*Writer, error) {
	if err := c.ensureDirs(); err != nil {
		return nil, err
	}
	tmpPath := filepath.Join(c.root, tmpDirName, uuid.NewString())
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"path": tmpPath}, err)
	}
	// Reserve the 8-byte size header; it is backfilled on Commit once the
	// uncompressed size is known.
	if _, err := f.Write(make([]byte, 8)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	flateW, err := flate.NewWriter(f, flate.DefaultCompression)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	return &Writer{
		cache:   c,
		key:     key,
		alg:     DefaultAlgorithm,
		tmpPath: tmpPath,
		tmpFile: f,
		flateW:  flateW,
		hash:    sha512.New(),
	}, nil
}

// Write appends p to the blob under construction.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("cas: write after commit/abort")
	}
	w.hash.Write(p)
	n, err := w.flateW.Write(p)
	w.size += int64(n)
	return n, err
}

// Abort discards the in-progress write; the temp file is removed and no
// index entry or content blob is created (invariant I3).
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.tmpFile.Close()
	return os.Remove(w.tmpPath)
}

// Commit finalizes the write: it backfills the size header, fsyncs,
// atomically renames into the content tree (short-circuiting if the
// content-addressed path already exists), and writes an index entry.
func (w *Writer) Commit(ctx context.Context) (integrity.Integrity, error) {
	if w.done {
		return integrity.Integrity{}, fmt.Errorf("cas: commit after commit/abort")
	}
	w.done = true
	defer w.tmpFile.Close()

	if err := w.flateW.Close(); err != nil {
		os.Remove(w.tmpPath)
		return integrity.Integrity{}, engerr.New(engerr.CodeCacheIO, nil, err)
	}

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(w.size))
	if _, err := w.tmpFile.WriteAt(header[:], 0); err != nil {
		os.Remove(w.tmpPath)
		return integrity.Integrity{}, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	if err := w.tmpFile.Sync(); err != nil {
		os.Remove(w.tmpPath)
		return integrity.Integrity{}, engerr.New(engerr.CodeCacheIO, nil, err)
	}

	entry := integrity.Entry{Algorithm: w.alg, Digest: base64.StdEncoding.EncodeToString(w.hash.Sum(nil))}
	integ := integrity.Integrity{Entries: []integrity.Entry{entry}}

	cpath, err := contentPath(w.cache.root, entry)
	if err != nil {
		os.Remove(w.tmpPath)
		return integrity.Integrity{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cpath), 0o777); err != nil {
		os.Remove(w.tmpPath)
		return integrity.Integrity{}, engerr.New(engerr.CodeCacheIO, nil, err)
	}

	if _, err := os.Stat(cpath); err == nil {
		// Content-addressed: identical bytes already present. Idempotent
		// writers short-circuit rather than re-verify byte-for-byte,
		// matching spec.md's "write is short-circuited after verifying
		// size" (size is implied equal since the digest matched).
		os.Remove(w.tmpPath)
	} else {
		if err := w.tmpFile.Close(); err != nil {
			return integrity.Integrity{}, engerr.New(engerr.CodeCacheIO, nil, err)
		}
		if err := os.Rename(w.tmpPath, cpath); err != nil {
			os.Remove(w.tmpPath)
			return integrity.Integrity{}, engerr.New(engerr.CodeCacheIO, map[string]any{"path": cpath}, err)
		}
	}

	if w.key != "" {
		if err := appendIndexEntry(w.cache.root, w.key, IndexEntry{
			Key:       w.key,
			Integrity: integ.String(),
			Size:      w.size,
			Time:      time.Now(),
			Metadata:  w.metadata,
		}); err != nil {
			return integrity.Integrity{}, err
		}
	}

	engctx.GetLogger(ctx).WithFields(map[string]any{"key": w.key, "integrity": integ.String(), "size": w.size}).Debug("cas: committed blob")
	return integ, nil
}

// Write is the non-streaming convenience form: write all of data under key
// in one call.
func (c *Cache) Write(ctx context.Context, key string, data []byte) (integrity.Integrity, error) {
	w, err := c.Writer(ctx, key)
	if err != nil {
		return integrity.Integrity{}, err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return integrity.Integrity{}, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	return w.Commit(ctx)
}

// HasContent reports whether the blob addressed by integ's strongest entry
// is present; weaker entries of integ are not consulted.
func (c *Cache) HasContent(integ integrity.Integrity) bool {
	e, ok := integ.Strongest()
	if !ok {
		return false
	}
	cpath, err := contentPath(c.root, e)
	if err != nil {
		return false
	}
	_, err = os.Stat(cpath)
	return err == nil
}

// ReadHash reads and decompresses the blob addressed by integ directly,
// verifying the decompressed bytes still hash to it.
func (c *Cache) ReadHash(ctx context.Context, integ integrity.Integrity) ([]byte, error) {
	e, ok := integ.Strongest()
	if !ok {
		return nil, fmt.Errorf("cas: empty integrity")
	}
	cpath, err := contentPath(c.root, e)
	if err != nil {
		return nil, err
	}
	return readBlob(cpath, integ)
}

// Read looks up key in the index and reads its content.
func (c *Cache) Read(ctx context.Context, key string) ([]byte, error) {
	entry, ok, err := c.lookupIndex(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"key": key}, os.ErrNotExist)
	}
	integ, err := integrity.Parse(entry.Integrity)
	if err != nil {
		return nil, err
	}
	return c.ReadHash(ctx, integ)
}

// Lookup returns the current index entry for key, if any.
func (c *Cache) Lookup(ctx context.Context, key string) (IndexEntry, bool, error) {
	return c.lookupIndex(key)
}

func readBlob(cpath string, integ integrity.Integrity) ([]byte, error) {
	f, err := os.Open(cpath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engerr.New(engerr.CodeCacheIO, map[string]any{"path": cpath}, os.ErrNotExist)
		}
		return nil, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	onDiskSize := fi.Size()

	var header [8]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	uncompressedSize := int64(binary.BigEndian.Uint64(header[:]))

	checker, err := integrity.NewChecker(integ)
	if err != nil {
		return nil, err
	}

	var src io.Reader
	var closer func() error
	if onDiskSize >= MinMmapReadSize && onDiskSize <= MaxMmapReadSize {
		if data, c, ok := mmapFile(f, int(onDiskSize)); ok {
			src = sliceReader(data[8:])
			closer = c
		}
	}
	if src == nil {
		src = bufio.NewReaderSize(f, 64*1024)
	}

	fr := flate.NewReader(src)
	defer fr.Close()
	buf := make([]byte, 0, uncompressedSize)
	out := &growBuf{buf: buf}
	if _, err := io.Copy(out, &teeReader{r: fr, checker: checker}); err != nil {
		if closer != nil {
			closer()
		}
		return nil, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	if closer != nil {
		if err := closer(); err != nil {
			return nil, engerr.New(engerr.CodeCacheIO, nil, err)
		}
	}
	if _, err := checker.Finalize(); err != nil {
		return nil, err
	}
	return out.buf, nil
}

// teeReader feeds every decompressed byte read from a blob through the
// integrity checker. A blob is addressed by the digest of its uncompressed
// payload (the bytes Writer hashes), so that is what a read verifies.
type teeReader struct {
	r       io.Reader
	checker *integrity.Checker
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.checker.Update(p[:n])
	}
	return n, err
}

func sliceReader(b []byte) io.Reader { return &bytesReader{b: b} }

type bytesReader struct {
	b []byte
	i int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

type growBuf struct{ buf []byte }

func (g *growBuf) Write(p []byte) (int, error) {
	g.buf = append(g.buf, p...)
	return len(p), nil
}

func appendIndexEntry(root, key string, entry IndexEntry) error {
	path := indexPath(root, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return engerr.New(engerr.CodeCacheIO, nil, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return engerr.New(engerr.CodeCacheIO, nil, err)
	}
	defer f.Close()
	b, err := json.Marshal(entry)
	if err != nil {
		return engerr.New(engerr.CodeCacheIO, nil, err)
	}
	sum := sha256.Sum256(b)
	line := fmt.Sprintf("%x\t%s\n", sum[:8], b)
	if _, err := f.WriteString(line); err != nil {
		return engerr.New(engerr.CodeCacheIO, nil, err)
	}
	return f.Sync()
}

// lookupIndex returns the last well-formed entry appended for key (last
// commit wins, invariant I2), skipping any truncated/corrupted trailing
// line left by a crash mid-append.
func (c *Cache) lookupIndex(key string) (IndexEntry, bool, error) {
	path := indexPath(c.root, key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return IndexEntry{}, false, nil
		}
		return IndexEntry{}, false, engerr.New(engerr.CodeCacheIO, nil, err)
	}
	defer f.Close()

	var last IndexEntry
	found := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		i := indexOfTab(line)
		if i < 0 {
			continue
		}
		sum, body := line[:i], line[i+1:]
		want := sha256.Sum256([]byte(body))
		if fmt.Sprintf("%x", want[:8]) != sum {
			continue // corrupted/partial line
		}
		var entry IndexEntry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			continue
		}
		if entry.Key == key {
			last = entry
			found = true
		}
	}
	return last, found, nil
}

// List returns every index entry under the cache, in filesystem walk order
// (spec.md §4.2 "lazy, filesystem-order"); entries are delivered over the
// returned channel as the walk progresses rather than collected eagerly.
func (c *Cache) List(ctx context.Context) <-chan ListResult {
	out := make(chan ListResult)
	go func() {
		defer close(out)
		root := filepath.Join(c.root, indexDirName)
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				select {
				case out <- ListResult{Err: err}:
				case <-ctx.Done():
					return ctx.Err()
				}
				return nil
			}
			if info.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return nil
			}
			defer f.Close()
			sc := bufio.NewScanner(f)
			sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
			seen := map[string]IndexEntry{}
			order := []string{}
			for sc.Scan() {
				line := sc.Text()
				i := indexOfTab(line)
				if i < 0 {
					continue
				}
				sum, body := line[:i], line[i+1:]
				want := sha256.Sum256([]byte(body))
				if fmt.Sprintf("%x", want[:8]) != sum {
					continue
				}
				var entry IndexEntry
				if err := json.Unmarshal([]byte(body), &entry); err != nil {
					continue
				}
				if _, ok := seen[entry.Key]; !ok {
					order = append(order, entry.Key)
				}
				seen[entry.Key] = entry
			}
			for _, k := range order {
				select {
				case out <- ListResult{Entry: seen[k]}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}()
	return out
}

func indexOfTab(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\t' {
			return i
		}
	}
	return -1
}

// ListResult is one item yielded by Cache.List.
type ListResult struct {
	Entry IndexEntry
	Err   error
}

// GC removes every content blob not referenced by any live index entry,
// mark-and-sweep style, grounded on the teacher's registry/storage vacuum
// and garbage-collect passes (spec.md's SUPPLEMENTED FEATURES: spec.md §3
// names GC without designing it).
func (c *Cache) GC(ctx context.Context) (removed int, err error) {
	live := map[string]struct{}{}
	for res := range c.List(ctx) {
		if res.Err != nil {
			return removed, res.Err
		}
		integ, err := integrity.Parse(res.Entry.Integrity)
		if err != nil {
			continue
		}
		if e, ok := integ.Strongest(); ok {
			if hex, err := e.Hex(); err == nil {
				live[string(e.Algorithm)+"/"+hex] = struct{}{}
			}
		}
	}

	contentRoot := filepath.Join(c.root, contentDirName)
	var toRemove []string
	err = filepath.Walk(contentRoot, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(contentRoot, path)
		if err != nil {
			return nil
		}
		parts := splitPath(rel)
		if len(parts) < 4 {
			return nil
		}
		algo := parts[0]
		hex := parts[1] + parts[2] + parts[3]
		if _, ok := live[algo+"/"+hex]; !ok {
			toRemove = append(toRemove, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return removed, err
	}

	sort.Strings(toRemove)
	for _, p := range toRemove {
		if rmErr := os.Remove(p); rmErr == nil {
			removed++
		}
	}
	return removed, nil
}

func splitPath(rel string) []string {
	var parts []string
	cur := rel
	for {
		dir, file := filepath.Split(cur)
		parts = append([]string{file}, parts...)
		if dir == "" {
			break
		}
		cur = filepath.Clean(dir)
		if cur == "." || cur == string(filepath.Separator) {
			break
		}
	}
	return parts
}
