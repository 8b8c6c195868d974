package wire

import "encoding/binary"

// Writer accumulates packet bytes for encoding. It never errors: every
// write is of a statically-known size appended to a growable buffer.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) WriteU8(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) WriteExact(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) WriteU32BE(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteU64BE(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }
