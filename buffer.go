package dsstore

import "io"

// Buffer is an in-memory file image. It implements io.ReaderAt and
// io.WriterAt and grows on write past its current end.
type Buffer struct {
	data []byte
}

// NewBuffer returns a Buffer initialised with a copy of data
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{data: make([]byte, len(data))}
	copy(b.data, data)
	return b
}

// ReadAt implements io.ReaderAt
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrShortWrite
	}
	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	return copy(b.data[off:], p), nil
}

// Len is the current size of the image
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the image contents
func (b *Buffer) Bytes() []byte {
	return b.data
}
