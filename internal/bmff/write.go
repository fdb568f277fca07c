package bmff

import "encoding/binary"

// BoxMarker remembers where a box header was written so FinishBox can
// back-patch its size once the content length is known.
type BoxMarker int

// Writer is an append-only big-endian stream used to emit ISOBMFF boxes.
// Box sizes are written as 0 by WriteBox/WriteFullBox and patched by
// FinishBox; arbitrary byte offsets can also be rewritten later for the
// writer's deferred mdat offset fixups.
type Writer struct {
	buf []byte
	pos int
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the written stream.
func (w *Writer) Bytes() []byte { return w.buf }

// Offset returns the current write position.
func (w *Writer) Offset() int { return w.pos }

// SetOffset moves the write position. Used to back-patch previously written
// fields; the position must be within the already-written range.
func (w *Writer) SetOffset(pos int) { w.pos = pos }

func (w *Writer) grow(n int) []byte {
	need := w.pos + n
	if need > len(w.buf) {
		if need > cap(w.buf) {
			nb := make([]byte, need, cap(w.buf)*2+need)
			copy(nb, w.buf)
			w.buf = nb
		} else {
			w.buf = w.buf[:need]
		}
	}
	b := w.buf[w.pos : w.pos+n]
	w.pos += n
	return b
}

// Write appends raw bytes.
func (w *Writer) Write(data []byte) {
	copy(w.grow(len(data)), data)
}

// WriteChars appends the bytes of s.
func (w *Writer) WriteChars(s string) {
	copy(w.grow(len(s)), s)
}

// WriteZeros appends n zero bytes.
func (w *Writer) WriteZeros(n int) {
	b := w.grow(n)
	for i := range b {
		b[i] = 0
	}
}

// WriteU8 appends one byte.
func (w *Writer) WriteU8(v uint8) {
	w.grow(1)[0] = v
}

// WriteU16 appends a big-endian uint16.
func (w *Writer) WriteU16(v uint16) {
	binary.BigEndian.PutUint16(w.grow(2), v)
}

// WriteU32 appends a big-endian uint32.
func (w *Writer) WriteU32(v uint32) {
	binary.BigEndian.PutUint32(w.grow(4), v)
}

// WriteU64 appends a big-endian uint64.
func (w *Writer) WriteU64(v uint64) {
	binary.BigEndian.PutUint64(w.grow(8), v)
}

// WriteBox begins a box of the given type with a size to be determined.
// The returned marker must be passed to FinishBox once the content has been
// written.
func (w *Writer) WriteBox(boxType string) BoxMarker {
	marker := BoxMarker(w.pos)
	w.WriteU32(0) // patched by FinishBox
	w.WriteChars(boxType)
	return marker
}

// WriteFullBox begins a full box (version + 24-bit flags prelude).
func (w *Writer) WriteFullBox(boxType string, version uint8, flags uint32) BoxMarker {
	marker := w.WriteBox(boxType)
	w.WriteU32(uint32(version)<<24 | flags&0xffffff)
	return marker
}

// FinishBox back-patches the size field of the box opened at marker to cover
// everything written since.
func (w *Writer) FinishBox(marker BoxMarker) {
	binary.BigEndian.PutUint32(w.buf[marker:], uint32(w.pos-int(marker)))
}
