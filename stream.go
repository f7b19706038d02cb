package asdf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
	"golang.org/x/exp/mmap"
)

// Stream is the uniform I/O abstraction the rest of asdf is built on (C1). It covers the
// operations the file engine needs regardless of whether the bytes live on local disk, in
// memory, or behind an HTTP range-GET. Mirrors the spread of read/write primitives the
// teacher's tableReader/Writer pair hand-roll per-backend, but collected behind one interface
// so C4/C3/C6 don't need to know which backend they're talking to.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// Seek moves to an absolute offset. Only valid when Seekable() is true.
	Seek(abs int64) error
	// Tell returns the current offset.
	Tell() (int64, error)
	// Truncate resizes the stream. Only valid when Writable() and Seekable().
	Truncate(size int64) error
	// Flush forces any buffered writes out.
	Flush() error

	Seekable() bool
	Writable() bool

	// BlockSize hints the backing medium's natural I/O granularity, used to size lookahead
	// buffers for read_until on forward-only streams.
	BlockSize() int

	// ReadUntil scans forward for pattern, returning bytes up to (and, if include, through)
	// the first occurrence. maxLookahead bounds how far ahead of the current position the
	// implementation is allowed to buffer before giving up with io.EOF.
	ReadUntil(pattern []byte, maxLookahead int, include bool) ([]byte, error)
}

// Mmapper is implemented by streams that can read a byte range straight from a memory-mapped
// file, used by the block codec for uncompressed payloads (Design Note 3). The returned slice is
// a copy of the mapped bytes, not a view into the mapping.
type Mmapper interface {
	Mmap(offset, length int64) ([]byte, error)
}

const defaultBlockSize = 4096

// --- file-backed stream -----------------------------------------------------------------

// fileStream backs a Stream with a random-access *os.File, optionally with a read-only
// memory-mapped reader layered on top that serves reads and payload access.
type fileStream struct {
	f    *os.File
	mm   *mmap.ReaderAt // nil unless opened read-only and mmap succeeded
	pos  int64
	path string
}

// OpenFileStream opens path for the given mode. writable requests O_RDWR|O_CREATE; otherwise
// the file is opened read-only and, when possible, memory-mapped (golang.org/x/exp/mmap), and
// reads go through the mapping. Payload bytes are still copied out of the mapping.
func OpenFileStream(p string, writable bool) (Stream, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(p, flag, 0o644)
	if err != nil {
		return nil, err
	}

	fs := &fileStream{f: f, path: p}
	if !writable {
		if mm, err := mmap.Open(p); err == nil {
			fs.mm = mm
		}
	}
	return fs, nil
}

func (s *fileStream) Read(p []byte) (int, error) {
	var n int
	var err error
	if s.mm != nil {
		n, err = s.mm.ReadAt(p, s.pos)
	} else {
		n, err = s.f.ReadAt(p, s.pos)
	}
	s.pos += int64(n)
	return n, err
}

func (s *fileStream) Write(p []byte) (int, error) {
	if s.mm != nil {
		return 0, ErrNotWritable
	}
	n, err := s.f.WriteAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *fileStream) Seek(abs int64) error {
	s.pos = abs
	return nil
}

func (s *fileStream) Tell() (int64, error) { return s.pos, nil }

func (s *fileStream) Truncate(size int64) error {
	if s.mm != nil {
		return ErrNotWritable
	}
	return s.f.Truncate(size)
}

func (s *fileStream) Flush() error {
	if s.mm != nil {
		return nil
	}
	return s.f.Sync()
}

func (s *fileStream) Seekable() bool { return true }
func (s *fileStream) Writable() bool { return s.mm == nil }
func (s *fileStream) BlockSize() int { return defaultBlockSize }

func (s *fileStream) Close() error {
	if s.mm != nil {
		s.mm.Close()
	}
	return s.f.Close()
}

func (s *fileStream) Mmap(offset, length int64) ([]byte, error) {
	if s.mm == nil {
		return nil, errors.New("asdf: stream is not memory-mapped")
	}
	buf := make([]byte, length)
	if _, err := s.mm.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (s *fileStream) ReadUntil(pattern []byte, maxLookahead int, include bool) ([]byte, error) {
	return genericReadUntil(s, pattern, maxLookahead, include)
}

// --- atomic-replace file stream -----------------------------------------------------------

// renameioStream backs a Stream with a renameio.PendingFile: writes land in a temp file beside
// the destination path, and Close only makes them visible by renaming the temp file over the
// destination, so a reader never observes a partially written ASDF file. Grounded on
// distr1-distri's renameio.TempFile/defer f.Cleanup() pattern for replacing squashfs images.
type renameioStream struct {
	t   *renameio.PendingFile
	pos int64
}

// OpenAtomicFileStream opens path for atomic replacement via Engine.WriteTo/Update: writes
// accumulate in a sibling temp file and are committed to path only when Close succeeds. If the
// caller abandons the stream without calling Close, the temp file is left behind for the OS (or
// a future renameio.Cleanup sweep) to reclaim.
func OpenAtomicFileStream(p string) (Stream, error) {
	t, err := renameio.TempFile("", p)
	if err != nil {
		return nil, err
	}
	return &renameioStream{t: t}, nil
}

func (s *renameioStream) Read(p []byte) (int, error) {
	n, err := s.t.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *renameioStream) Write(p []byte) (int, error) {
	n, err := s.t.WriteAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *renameioStream) Seek(abs int64) error { s.pos = abs; return nil }

func (s *renameioStream) Tell() (int64, error) { return s.pos, nil }

func (s *renameioStream) Truncate(size int64) error { return s.t.Truncate(size) }

func (s *renameioStream) Flush() error { return s.t.Sync() }

func (s *renameioStream) Seekable() bool { return true }
func (s *renameioStream) Writable() bool { return true }
func (s *renameioStream) BlockSize() int { return defaultBlockSize }

// Close commits the temp file to its destination path. Once called, the stream can no longer be
// read from or written to.
func (s *renameioStream) Close() error { return s.t.CloseAtomicallyReplace() }

func (s *renameioStream) ReadUntil(pattern []byte, maxLookahead int, include bool) ([]byte, error) {
	return genericReadUntil(s, pattern, maxLookahead, include)
}

// --- memory-backed stream ----------------------------------------------------------------

// memStream backs a Stream with an in-memory writerseeker.WriterSeeker, the generic-I/O
// counterpart to the teacher's buffered (non-WriterAt) Writer path in writer.go.
type memStream struct {
	ws  *writerseeker.WriterSeeker
	pos int64
}

// OpenMemoryStream creates a Stream over an in-memory buffer. If initial is non-nil its bytes
// seed the buffer.
func OpenMemoryStream(initial []byte) Stream {
	ws := &writerseeker.WriterSeeker{}
	if len(initial) > 0 {
		ws.Write(initial)
		ws.Seek(0, io.SeekStart)
	}
	return &memStream{ws: ws}
}

func (s *memStream) Read(p []byte) (int, error) {
	r := s.ws.Reader()
	if _, err := r.Seek(s.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := r.Read(p)
	s.pos += int64(n)
	return n, err
}

func (s *memStream) Write(p []byte) (int, error) {
	if _, err := s.ws.Seek(s.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := s.ws.Write(p)
	s.pos += int64(n)
	return n, err
}

func (s *memStream) Seek(abs int64) error {
	s.pos = abs
	return nil
}

func (s *memStream) Tell() (int64, error) { return s.pos, nil }

func (s *memStream) Truncate(size int64) error {
	// writerseeker has no truncate; rebuild the buffer from the retained bytes.
	full := s.Bytes()
	if int64(len(full)) > size {
		full = full[:size]
	} else {
		full = append(full, make([]byte, size-int64(len(full)))...)
	}
	s.ws = &writerseeker.WriterSeeker{}
	s.ws.Write(full)
	if s.pos > size {
		s.pos = size
	}
	return nil
}

func (s *memStream) Flush() error { return nil }
func (s *memStream) Close() error { return nil }

func (s *memStream) Seekable() bool { return true }
func (s *memStream) Writable() bool { return true }
func (s *memStream) BlockSize() int { return defaultBlockSize }

func (s *memStream) ReadUntil(pattern []byte, maxLookahead int, include bool) ([]byte, error) {
	return genericReadUntil(s, pattern, maxLookahead, include)
}

// Bytes returns a copy of the full in-memory buffer; Truncate uses it to rebuild the buffer.
func (s *memStream) Bytes() []byte {
	r := s.ws.Reader()
	end, _ := r.Seek(0, io.SeekEnd)
	buf := make([]byte, end)
	r.Seek(0, io.SeekStart)
	io.ReadFull(r, buf)
	return buf
}

// --- forward-only stream -----------------------------------------------------------------

// forwardStream wraps a non-seekable io.Reader (e.g. a pipe or network socket) behind a
// bounded ring buffer so ReadUntil-style lookahead still works on read, per spec.md §4.1.
// Writes and updates are unsupported, matching the spec's "non-seekable streams are legal on
// read; writes and updates require seekable and writable".
type forwardStream struct {
	r       io.Reader
	ring    []byte
	ringLen int
	pos     int64
}

// OpenForwardStream wraps r, a reader with no Seek, for read-only sequential access.
func OpenForwardStream(r io.Reader) Stream {
	return &forwardStream{r: r}
}

func (s *forwardStream) fill(n int) error {
	for s.ringLen < n {
		if cap(s.ring) < s.ringLen+defaultBlockSize {
			grown := make([]byte, s.ringLen, s.ringLen+defaultBlockSize)
			copy(grown, s.ring[:s.ringLen])
			s.ring = grown
		}
		s.ring = s.ring[:s.ringLen+defaultBlockSize]
		read, err := s.r.Read(s.ring[s.ringLen : s.ringLen+defaultBlockSize])
		s.ring = s.ring[:s.ringLen+read]
		s.ringLen += read
		if err != nil {
			if read > 0 && s.ringLen >= n {
				return nil
			}
			return err
		}
		if read == 0 {
			return io.ErrNoProgress
		}
	}
	return nil
}

func (s *forwardStream) Read(p []byte) (int, error) {
	if s.ringLen == 0 {
		if err := s.fill(len(p)); err != nil && s.ringLen == 0 {
			return 0, err
		}
	}
	n := copy(p, s.ring[:s.ringLen])
	copy(s.ring, s.ring[n:s.ringLen])
	s.ringLen -= n
	s.ring = s.ring[:s.ringLen]
	s.pos += int64(n)
	return n, nil
}

func (s *forwardStream) Write(p []byte) (int, error)   { return 0, ErrNotWritable }
func (s *forwardStream) Seek(abs int64) error           { return ErrNotSeekable }
func (s *forwardStream) Tell() (int64, error)           { return s.pos, nil }
func (s *forwardStream) Truncate(size int64) error      { return ErrNotWritable }
func (s *forwardStream) Flush() error                   { return nil }
func (s *forwardStream) Close() error                   { return nil }
func (s *forwardStream) Seekable() bool                 { return false }
func (s *forwardStream) Writable() bool                 { return false }
func (s *forwardStream) BlockSize() int                 { return defaultBlockSize }

func (s *forwardStream) ReadUntil(pattern []byte, maxLookahead int, include bool) ([]byte, error) {
	for {
		if idx := bytes.Index(s.ring[:s.ringLen], pattern); idx >= 0 {
			end := idx
			if include {
				end += len(pattern)
			}
			out := make([]byte, end)
			copy(out, s.ring[:end])
			consumed := idx + len(pattern)
			copy(s.ring, s.ring[consumed:s.ringLen])
			s.ringLen -= consumed
			s.ring = s.ring[:s.ringLen]
			s.pos += int64(consumed)
			return out, nil
		}
		if s.ringLen >= maxLookahead {
			return nil, io.EOF
		}
		before := s.ringLen
		if err := s.fill(s.ringLen + defaultBlockSize); err != nil {
			if s.ringLen == before {
				return nil, err
			}
		}
	}
}

// --- HTTP stream -------------------------------------------------------------------------

// httpStream issues range-GET requests against a remote URL, used to fetch external ASDF
// files and remote schemas (C8/C9) without downloading the whole resource up front.
type httpStream struct {
	client *http.Client
	url    string
	pos    int64
	ranged bool // true once a range GET has succeeded, meaning Seek is safe to rely on
}

// OpenHTTPStream opens a read-only Stream over a remote URL. Range support is probed lazily:
// the first read attempts a Range header, and if the server ignores it (responds 200 instead
// of 206) each read fetches the resource from offset 0 and discards the bytes before the
// current position.
func OpenHTTPStream(rawurl string) (Stream, error) {
	if _, err := url.Parse(rawurl); err != nil {
		return nil, err
	}
	return &httpStream{client: http.DefaultClient, url: rawurl}, nil
}

func (s *httpStream) Read(p []byte) (int, error) {
	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", s.pos, s.pos+int64(len(p))-1))
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		s.ranged = true
	case http.StatusOK:
		s.ranged = false
		// The body starts at offset 0: skip to the current position.
		if _, err := io.CopyN(io.Discard, resp.Body, s.pos); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("asdf: http stream: unexpected status %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	s.pos += int64(n)
	return n, err
}

func (s *httpStream) Write(p []byte) (int, error) { return 0, ErrNotWritable }
func (s *httpStream) Seek(abs int64) error {
	s.pos = abs
	return nil
}
func (s *httpStream) Tell() (int64, error)      { return s.pos, nil }
func (s *httpStream) Truncate(size int64) error { return ErrNotWritable }
func (s *httpStream) Flush() error              { return nil }
func (s *httpStream) Close() error              { return nil }
func (s *httpStream) Seekable() bool            { return true }
func (s *httpStream) Writable() bool            { return false }
func (s *httpStream) BlockSize() int            { return 64 * 1024 }

func (s *httpStream) ReadUntil(pattern []byte, maxLookahead int, include bool) ([]byte, error) {
	return genericReadUntil(s, pattern, maxLookahead, include)
}

// --- shared helpers ------------------------------------------------------------------------

// genericReadUntil implements ReadUntil for any seekable Stream by reading block-sized chunks
// forward from the current position until pattern is found or maxLookahead is exceeded.
func genericReadUntil(s Stream, pattern []byte, maxLookahead int, include bool) ([]byte, error) {
	start, err := s.Tell()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, s.BlockSize())
	chunk := make([]byte, s.BlockSize())
	for {
		if len(buf) > maxLookahead {
			s.Seek(start)
			return nil, io.EOF
		}
		n, err := s.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if idx := bytes.Index(buf, pattern); idx >= 0 {
			end := idx
			if include {
				end += len(pattern)
			}
			s.Seek(start + int64(end))
			return buf[:end], nil
		}
		if err != nil {
			s.Seek(start)
			return nil, err
		}
	}
}

// resolveURI resolves rel against base the way an ASDF tree resolves $ref and external-block
// source URIs: absolute rel URIs pass through unchanged, otherwise rel is resolved relative to
// base per RFC 3986 (net/url.Parse + ResolveReference), falling back to a filesystem path join
// when base has no scheme (the common case of a bare local file path).
func resolveURI(base, rel string) (string, error) {
	if rel == "" {
		return base, nil
	}
	relURL, err := url.Parse(rel)
	if err != nil {
		return "", err
	}
	if relURL.IsAbs() {
		return rel, nil
	}
	if base == "" {
		return rel, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Scheme == "" {
		// Treat base as a plain filesystem path.
		return path.Join(path.Dir(base), rel), nil
	}
	return baseURL.ResolveReference(relURL).String(), nil
}

// externalSiblingPath returns the path for the Nth external block sibling of an ASDF file
// named stem.asdf: stem0000.asdf, stem0001.asdf, ... per spec.md §6.
func externalSiblingPath(basePath string, index int) string {
	ext := path.Ext(basePath)
	stem := basePath[:len(basePath)-len(ext)]
	return stem + pad4(index) + ext
}

func pad4(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}
