package avif

import (
	"fmt"
	"os"
)

// IO abstracts the byte source a Decoder reads from.
//
// Read returns a slice holding size bytes starting at offset. It may return
// fewer bytes than requested only when the end of the source was reached;
// a short read caused by buffering must instead be reported by returning
// ResultWaitingOnIO, which the decoder propagates so that the call can be
// retried unchanged once more bytes are available.
//
// When Persistent reports true, returned slices stay valid for the lifetime
// of the IO and may be shared read-only between decoders. Otherwise each
// returned slice is valid only until the next Read, and the decoder copies
// whatever it must retain.
type IO interface {
	// Read returns data at [offset, offset+size). readFlags is reserved.
	Read(readFlags uint32, offset uint64, size int) ([]byte, error)

	// SizeHint returns the total source size, or 0 when unknown. A non-zero
	// hint is a hard bound: offsets or sizes beyond it fail before any read
	// is attempted.
	SizeHint() uint64

	// Persistent reports whether buffers returned by Read outlive
	// subsequent reads.
	Persistent() bool

	// Close releases the source. Called exactly once at decoder teardown.
	Close() error
}

// memoryIO serves reads from a caller-provided byte slice.
type memoryIO struct {
	data []byte
}

// NewMemoryIO returns an IO reading from data. The IO is persistent: the
// decoder may alias sub-slices of data for its whole lifetime, so data must
// not be mutated while the decoder is in use.
func NewMemoryIO(data []byte) IO {
	return &memoryIO{data: data}
}

func (m *memoryIO) Read(readFlags uint32, offset uint64, size int) ([]byte, error) {
	if offset > uint64(len(m.data)) {
		return nil, ResultIOError
	}
	avail := len(m.data) - int(offset)
	if size > avail {
		size = avail
	}
	return m.data[offset : int(offset)+size], nil
}

func (m *memoryIO) SizeHint() uint64 { return uint64(len(m.data)) }
func (m *memoryIO) Persistent() bool { return true }
func (m *memoryIO) Close() error     { return nil }

// fileIO serves reads from an open file through a reusable buffer.
type fileIO struct {
	f   *os.File
	buf []byte
	sz  uint64
}

// NewFileIO opens filename for reading and returns an IO over it. The IO is
// not persistent: each Read reuses an internal buffer.
func NewFileIO(filename string) (IO, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("avif: opening %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("avif: stat %s: %w", filename, err)
	}
	return &fileIO{f: f, sz: uint64(info.Size())}, nil
}

func (fio *fileIO) Read(readFlags uint32, offset uint64, size int) ([]byte, error) {
	if offset > fio.sz {
		return nil, ResultIOError
	}
	if avail := fio.sz - offset; uint64(size) > avail {
		size = int(avail)
	}
	if cap(fio.buf) < size {
		fio.buf = make([]byte, size)
	}
	buf := fio.buf[:size]
	n, err := fio.f.ReadAt(buf, int64(offset))
	if err != nil && n != size {
		return nil, ResultIOError
	}
	return buf[:n], nil
}

func (fio *fileIO) SizeHint() uint64 { return fio.sz }
func (fio *fileIO) Persistent() bool { return false }
func (fio *fileIO) Close() error     { return fio.f.Close() }
