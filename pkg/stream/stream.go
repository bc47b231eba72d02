// Package stream provides the collector's Stream abstraction (spec.md
// §4.2): a small read/write/seek/size/close interface plus a set of
// primitives and chaining combinators, grounded on original_source's
// ByteStream hierarchy (StreamAgent.cpp, TeeStream.cpp, CacheStream.cpp,
// CryptoHashStream.cpp, PasswordEncryptedStream.cpp, SparseStream.cpp,
// DevNullStream.cpp). Each capability (read/write/seek) is
// independently queryable the way ByteStream exposes CanRead/CanWrite/
// CanSeek, since several combinators are write-only (Tee, Encrypt when
// encrypting) or read-only (CabinetExtract, Encrypt when decrypting).
package stream

import "io"

// Stream is the common contract every primitive and combinator
// implements. Not every Stream supports every operation: callers check
// CanRead/CanWrite/CanSeek before calling the corresponding method,
// mirroring ByteStream's capability-query methods.
type Stream interface {
	io.Closer
	CanRead() bool
	CanWrite() bool
	CanSeek() bool
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Size() (int64, error)
}

// baseCaps is embedded by primitives/combinators to supply a fixed
// capability set without repeating three boolean methods everywhere.
type baseCaps struct {
	readable, writable, seekable bool
}

func (b baseCaps) CanRead() bool  { return b.readable }
func (b baseCaps) CanWrite() bool { return b.writable }
func (b baseCaps) CanSeek() bool  { return b.seekable }

// unsupported builds the stock error for a capability a Stream lacks,
// the Go equivalent of ByteStream's blanket E_NOTIMPL per missing
// capability (e.g. TeeStream::Read_ above).
func unsupported(op string) error {
	return &unsupportedOpError{op: op}
}

type unsupportedOpError struct{ op string }

func (e *unsupportedOpError) Error() string { return "stream: " + e.op + " not supported" }
