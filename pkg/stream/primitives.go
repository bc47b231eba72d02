package stream

import (
	"io"
	"os"

	"github.com/dfir-orc/collector/pkg/orcerr"
)

// FileStream wraps an *os.File opened for either read or write,
// grounded on original_source FileStream (the base every other
// on-disk ByteStream chains onto).
type FileStream struct {
	baseCaps
	f *os.File
}

// OpenFileRead opens path read-only, seekable.
func OpenFileRead(path string) (*FileStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "opening "+path+" for read")
	}
	return &FileStream{baseCaps: baseCaps{readable: true, seekable: true}, f: f}, nil
}

// CreateFileWrite creates (or truncates) path for writing.
func CreateFileWrite(path string) (*FileStream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindIO, err, "creating "+path+" for write")
	}
	return &FileStream{baseCaps: baseCaps{writable: true, seekable: true}, f: f}, nil
}

func (s *FileStream) Read(p []byte) (int, error) {
	if !s.readable {
		return 0, unsupported("read")
	}
	return s.f.Read(p)
}

func (s *FileStream) Write(p []byte) (int, error) {
	if !s.writable {
		return 0, unsupported("write")
	}
	return s.f.Write(p)
}

func (s *FileStream) Seek(offset int64, whence int) (int64, error) { return s.f.Seek(offset, whence) }

func (s *FileStream) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, orcerr.Wrap(orcerr.KindIO, err, "stat")
	}
	return info.Size(), nil
}

func (s *FileStream) Close() error { return s.f.Close() }

// TemporaryFileStream stages data in memory until it crosses a
// high-water mark, then promotes itself to a scratch-directory temp
// file; the promotion is invisible to readers. Grounded on
// original_source TemporaryStream.cpp (MemoryStream first,
// MoveToFileStream past m_dwMemThreshold) with the file half shaped
// like the teacher's temp-file handling.
type TemporaryFileStream struct {
	baseCaps
	dir       string
	pattern   string
	highWater int
	mem       *MemoryStream
	file      *FileStream
	path      string
}

// DefaultTemporaryHighWater is the in-memory staging cap before a
// TemporaryFileStream spills to disk.
const DefaultTemporaryHighWater = 4 << 20

// NewTemporaryFile creates a read-write stream staged in memory, backed
// by a temp file under dir once it outgrows highWater bytes (or
// DefaultTemporaryHighWater when highWater is 0).
func NewTemporaryFile(dir, pattern string, highWater int) (*TemporaryFileStream, error) {
	if highWater <= 0 {
		highWater = DefaultTemporaryHighWater
	}
	return &TemporaryFileStream{
		baseCaps:  baseCaps{readable: true, writable: true, seekable: true},
		dir:       dir,
		pattern:   pattern,
		highWater: highWater,
		mem:       NewMemoryStream(),
	}, nil
}

// promote moves the buffered bytes into a real temp file, preserving
// the current stream position.
func (t *TemporaryFileStream) promote() error {
	if t.file != nil {
		return nil
	}
	f, err := os.CreateTemp(t.dir, t.pattern)
	if err != nil {
		return orcerr.Wrap(orcerr.KindIO, err, "promoting temporary stream to file")
	}
	if _, err := f.Write(t.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return orcerr.Wrap(orcerr.KindIO, err, "spilling temporary stream to file")
	}
	if _, err := f.Seek(t.mem.pos, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return orcerr.Wrap(orcerr.KindIO, err, "repositioning promoted temporary stream")
	}
	t.file = &FileStream{baseCaps: t.baseCaps, f: f}
	t.path = f.Name()
	t.mem = nil
	return nil
}

// Path forces promotion to disk and returns the backing file's path,
// for handing to a child process that must open it by name.
func (t *TemporaryFileStream) Path() (string, error) {
	if err := t.promote(); err != nil {
		return "", err
	}
	return t.path, nil
}

// InMemory reports whether the stream has not yet spilled to disk.
func (t *TemporaryFileStream) InMemory() bool { return t.file == nil }

func (t *TemporaryFileStream) Read(p []byte) (int, error) {
	if t.file != nil {
		return t.file.Read(p)
	}
	return t.mem.Read(p)
}

func (t *TemporaryFileStream) Write(p []byte) (int, error) {
	if t.file == nil {
		if sz, _ := t.mem.Size(); sz+int64(len(p)) > int64(t.highWater) {
			if err := t.promote(); err != nil {
				return 0, err
			}
		}
	}
	if t.file != nil {
		return t.file.Write(p)
	}
	return t.mem.Write(p)
}

func (t *TemporaryFileStream) Seek(offset int64, whence int) (int64, error) {
	if t.file != nil {
		return t.file.Seek(offset, whence)
	}
	return t.mem.Seek(offset, whence)
}

func (t *TemporaryFileStream) Size() (int64, error) {
	if t.file != nil {
		return t.file.Size()
	}
	return t.mem.Size()
}

func (t *TemporaryFileStream) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	os.Remove(t.path)
	return err
}

// MemoryStream is an in-process growable buffer, grounded on
// original_source MemoryStream (used by ResourceAgent to hold extracted
// resource bytes before a consumer reads them).
type MemoryStream struct {
	baseCaps
	buf []byte
	pos int64
}

// NewMemoryStream creates an empty, read/write/seekable memory stream.
func NewMemoryStream() *MemoryStream {
	return &MemoryStream{baseCaps: baseCaps{readable: true, writable: true, seekable: true}}
}

// NewMemoryStreamFrom wraps existing bytes for reading.
func NewMemoryStreamFrom(b []byte) *MemoryStream {
	return &MemoryStream{baseCaps: baseCaps{readable: true, writable: true, seekable: true}, buf: b}
}

func (s *MemoryStream) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.buf)) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *MemoryStream) Write(p []byte) (int, error) {
	end := s.pos + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	n := copy(s.buf[s.pos:end], p)
	s.pos = end
	return n, nil
}

func (s *MemoryStream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = int64(len(s.buf))
	}
	s.pos = base + offset
	return s.pos, nil
}

func (s *MemoryStream) Size() (int64, error) { return int64(len(s.buf)), nil }
func (s *MemoryStream) Close() error         { return nil }

// Bytes returns the stream's current contents.
func (s *MemoryStream) Bytes() []byte { return s.buf }

// DevNullStream discards every write and reads as empty, grounded on
// original_source DevNullStream: used when a command's output binding
// is intentionally dropped (e.g. disabled optional output).
type DevNullStream struct{ baseCaps }

// NewDevNull creates a DevNullStream: reads return io.EOF immediately,
// writes report success without storing anything.
func NewDevNull() *DevNullStream {
	return &DevNullStream{baseCaps: baseCaps{readable: true, writable: true}}
}

func (DevNullStream) Read(p []byte) (int, error)  { return 0, io.EOF }
func (DevNullStream) Write(p []byte) (int, error) { return len(p), nil }
func (DevNullStream) Seek(int64, int) (int64, error) { return 0, nil }
func (DevNullStream) Size() (int64, error)        { return 0, nil }
func (DevNullStream) Close() error                { return nil }

// SparseStream is a FileStream that punches holes instead of writing
// runs of zero bytes: Seek past the current end-of-file and the
// underlying filesystem allocates the gap as a hole, exactly what
// original_source's FSCTL_SET_SPARSE achieves on Windows. POSIX
// filesystems get this for free from a plain seek-then-write, so this
// type exists to make that intent explicit rather than to add any
// extra syscall.
type SparseStream struct {
	*FileStream
}

// CreateSparseFile creates path for sparse writing.
func CreateSparseFile(path string) (*SparseStream, error) {
	f, err := CreateFileWrite(path)
	if err != nil {
		return nil, err
	}
	return &SparseStream{FileStream: f}, nil
}

// WriteAt writes p at a given absolute offset, leaving any gap before
// it unallocated on filesystems that support holes.
func (s *SparseStream) WriteAt(p []byte, offset int64) (int, error) {
	if _, err := s.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return s.Write(p)
}

// Range is one materialized (offset, length) span of a sparse file.
type Range struct {
	Offset int64
	Length int64
}

// seekData and seekHole are the POSIX lseek(2) whence values for
// SEEK_DATA/SEEK_HOLE. Go's os.File.Seek forwards whence to the kernel
// unvalidated, so these work without a syscall package import.
const (
	seekData = 3
	seekHole = 4
)

// AllocatedRanges reports the file's materialized byte ranges the same
// way original_source's SparseStream queries
// FSCTL_QUERY_ALLOCATED_RANGES on Windows, walking SEEK_DATA/SEEK_HOLE
// boundaries instead. Filesystems or platforms that reject those
// whence values report back a single range covering the whole file
// rather than failing the caller.
func (s *SparseStream) AllocatedRanges() ([]Range, error) {
	size, err := s.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	var ranges []Range
	offset := int64(0)
	for offset < size {
		dataStart, err := s.f.Seek(offset, seekData)
		if err != nil {
			s.f.Seek(0, io.SeekStart)
			return []Range{{Offset: 0, Length: size}}, nil
		}
		if dataStart >= size {
			break
		}
		holeStart, err := s.f.Seek(dataStart, seekHole)
		if err != nil || holeStart > size {
			holeStart = size
		}
		ranges = append(ranges, Range{Offset: dataStart, Length: holeStart - dataStart})
		offset = holeStart
	}
	s.f.Seek(0, io.SeekStart)
	return ranges, nil
}

// ReaderStream adapts an arbitrary io.Reader into a read-only Stream,
// letting a child process's stdout pipe or a plain in-memory reader
// pass through the Hash/Tee/Buffer combinators without a dedicated
// Stream implementation at the source.
type ReaderStream struct {
	baseCaps
	r io.Reader
}

// NewReaderStream wraps r for reading.
func NewReaderStream(r io.Reader) *ReaderStream {
	return &ReaderStream{baseCaps: baseCaps{readable: true}, r: r}
}

func (s *ReaderStream) Read(p []byte) (int, error)     { return s.r.Read(p) }
func (s *ReaderStream) Write([]byte) (int, error)      { return 0, unsupported("write") }
func (s *ReaderStream) Seek(int64, int) (int64, error) { return 0, unsupported("seek") }
func (s *ReaderStream) Size() (int64, error)           { return 0, unsupported("size") }

func (s *ReaderStream) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// WriterStream adapts an arbitrary io.Writer into a write-only Stream,
// the dual of ReaderStream.
type WriterStream struct {
	baseCaps
	w io.Writer
}

// NewWriterStream wraps w for writing.
func NewWriterStream(w io.Writer) *WriterStream {
	return &WriterStream{baseCaps: baseCaps{writable: true}, w: w}
}

func (s *WriterStream) Read([]byte) (int, error)       { return 0, unsupported("read") }
func (s *WriterStream) Write(p []byte) (int, error)    { return s.w.Write(p) }
func (s *WriterStream) Seek(int64, int) (int64, error) { return 0, unsupported("seek") }
func (s *WriterStream) Size() (int64, error)           { return 0, unsupported("size") }

func (s *WriterStream) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
