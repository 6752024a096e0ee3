package dsstore

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Block is an in-memory window over one allocation unit. It carries a
// sequential cursor and is written back to the file on Flush or Close
// when modified.
type Block struct {
	alloc  *Allocator
	offset uint32
	size   uint32
	value  []byte
	pos    int
	dirty  bool
}

func newBlock(a *Allocator, offset, size uint32) (*Block, error) {
	value, err := a.Read(offset, size)
	if err != nil {
		return nil, err
	}
	return &Block{
		alloc:  a,
		offset: offset,
		size:   size,
		value:  value,
	}, nil
}

// Len is the size of the block in bytes
func (b *Block) Len() int {
	return int(b.size)
}

// Offset is the nominal file offset of the block
func (b *Block) Offset() uint32 {
	return b.offset
}

// Tell returns the cursor position
func (b *Block) Tell() int {
	return b.pos
}

// Remaining is the count of bytes between the cursor and the block end
func (b *Block) Remaining() int {
	return int(b.size) - b.pos
}

// Dirty reports whether the block has unwritten changes
func (b *Block) Dirty() bool {
	return b.dirty
}

// Bytes returns the block contents
func (b *Block) Bytes() []byte {
	return b.value
}

// Seek implements io.Seeker. The cursor may not leave [0, size].
func (b *Block) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(b.pos) + offset
	case io.SeekEnd:
		pos = int64(b.size) + offset
	default:
		return int64(b.pos), errors.Errorf("invalid whence %d", whence)
	}
	if pos < 0 || pos > int64(b.size) {
		return int64(b.pos), errors.Wrapf(ErrTruncated, "seek to %d in block of %d bytes", pos, b.size)
	}
	b.pos = int(pos)
	return pos, nil
}

// Next returns the next n bytes and advances the cursor
func (b *Block) Next(n int) ([]byte, error) {
	if n < 0 || b.Remaining() < n {
		return nil, errors.Wrapf(ErrTruncated, "unable to read %d bytes at %d in block of %d bytes", n, b.pos, b.size)
	}
	data := b.value[b.pos : b.pos+n]
	b.pos += n
	return data, nil
}

// Unpack reads big endian fixed-size values into data, like binary.Read
func (b *Block) Unpack(data ...interface{}) error {
	for _, d := range data {
		size := binary.Size(d)
		if size < 0 {
			return errors.Errorf("cannot unpack %T", d)
		}
		raw, err := b.Next(size)
		if err != nil {
			return err
		}
		if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, d); err != nil {
			return errors.Wrapf(err, "unpack %T", d)
		}
	}
	return nil
}

// ReadUint8 reads one byte
func (b *Block) ReadUint8() (uint8, error) {
	raw, err := b.Next(1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// ReadUint32 reads a big endian 32-bit value
func (b *Block) ReadUint32() (uint32, error) {
	raw, err := b.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

// ReadUint64 reads a big endian 64-bit value
func (b *Block) ReadUint64() (uint64, error) {
	raw, err := b.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Write implements io.Writer. Writing past the end of the block fails
// without modifying it.
func (b *Block) Write(p []byte) (int, error) {
	if b.Remaining() < len(p) {
		return 0, errors.Wrapf(ErrTruncated, "attempt to write %d bytes at %d in block of %d bytes", len(p), b.pos, b.size)
	}
	copy(b.value[b.pos:], p)
	b.pos += len(p)
	b.dirty = true
	return len(p), nil
}

// Pack writes big endian fixed-size values, like binary.Write
func (b *Block) Pack(data ...interface{}) error {
	buf := new(bytes.Buffer)
	for _, d := range data {
		if err := binary.Write(buf, binary.BigEndian, d); err != nil {
			return errors.Wrapf(err, "pack %T", d)
		}
	}
	_, err := b.Write(buf.Bytes())
	return err
}

// WriteUint32 writes a big endian 32-bit value
func (b *Block) WriteUint32(v uint32) error {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], v)
	_, err := b.Write(raw[:])
	return err
}

// Zero clears the whole block and rewinds the cursor
func (b *Block) Zero() {
	for i := range b.value {
		b.value[i] = 0
	}
	b.pos = 0
	b.dirty = true
}

// Flush writes the block back if it is dirty
func (b *Block) Flush() error {
	if !b.dirty {
		return nil
	}
	if err := b.alloc.Write(b.offset, b.value); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// Invalidate drops pending changes
func (b *Block) Invalidate() {
	b.dirty = false
}

// Close flushes pending changes
func (b *Block) Close() error {
	return b.Flush()
}
