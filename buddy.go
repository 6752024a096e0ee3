package dsstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/bits"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Header is the fixed file header. It sits 4 bytes before nominal offset 0,
// so its nominal position is -4.
type Header struct {
	Magic1   uint32   // always 1
	Magic2   [4]byte  // "Bud1"
	Offset   uint32   // root block offset
	Size     uint32   // root block size
	Offset2  uint32   // copy of the root block offset
	Reserved [16]byte // unknown
}

const (
	headerSize  = 36
	freeLists   = 32
	minWidth    = 5
	offsetChunk = 256
	maxTOCName  = 255
	maxWidth    = 30
	maxRootSize = 1 << 24
)

// Allocator owns a buddy allocated file: the header, the block offset
// table, the table of contents and the 32 free lists.
type Allocator struct {
	r   io.ReaderAt
	w   io.WriterAt
	log *logrus.Entry
	// file length when known and the file is read only, else -1
	length int64

	header   Header
	unknown2 uint32
	offsets  []uint32
	toc      map[string]uint32
	free     [freeLists][]uint32
	dirty    bool
}

// OpenAllocator parses the header and root block of r. When r also
// implements io.WriterAt the allocator supports writes.
func OpenAllocator(r io.ReaderAt, opts ...Option) (*Allocator, error) {
	o := newOptions(opts)
	a := &Allocator{
		r:      r,
		log:    o.log,
		toc:    make(map[string]uint32),
		length: -1,
	}
	if w, ok := r.(io.WriterAt); ok {
		a.w = w
	} else {
		a.length = sourceLength(r)
	}

	raw, err := a.readAt(-4, headerSize)
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &a.header); err != nil {
		return nil, errors.Wrap(err, "decode header")
	}
	if a.header.Magic1 != headerMagic1 || !bytes.Equal(a.header.Magic2[:], headerMagic2[:]) {
		return nil, errors.Wrapf(ErrFormat, "bad magic %08x %q", a.header.Magic1, a.header.Magic2[:])
	}
	if a.header.Offset != a.header.Offset2 {
		return nil, errors.Wrapf(ErrFormat, "root addresses differ (%d != %d)", a.header.Offset, a.header.Offset2)
	}

	if a.header.Size > maxRootSize {
		return nil, errors.Wrapf(ErrFormat, "root block of %d bytes", a.header.Size)
	}
	if a.length >= 0 && int64(a.header.Offset)+4 >= a.length {
		return nil, errors.Wrapf(ErrTruncated, "root block at %d past end of %d byte file", a.header.Offset, a.length)
	}
	root, err := newBlock(a, a.header.Offset, a.header.Size)
	if err != nil {
		return nil, errors.Wrap(err, "read root block")
	}
	if err := a.readRoot(root); err != nil {
		return nil, err
	}
	a.log.WithFields(logrus.Fields{
		"root":    a.header.Offset,
		"size":    a.header.Size,
		"blocks":  len(a.offsets),
		"entries": len(a.toc),
	}).Debug("opened buddy allocator")
	return a, nil
}

// CreateAllocator initialises an empty buddy file on w. The header
// occupies the first 32 bytes and the rest of the 2GiB address space is
// free. Nothing is written until Flush.
func CreateAllocator(w ReaderWriterAt, opts ...Option) (*Allocator, error) {
	o := newOptions(opts)
	a := &Allocator{
		r:      w,
		w:      w,
		log:    o.log,
		toc:    make(map[string]uint32),
		length: -1,
	}
	a.header.Magic1 = headerMagic1
	a.header.Magic2 = headerMagic2
	for n := minWidth; n < freeLists-1; n++ {
		a.free[n] = []uint32{uint32(1) << n}
	}
	// slot 0 always holds the root block
	a.offsets = []uint32{0}
	if _, err := a.Allocate(a.rootBlockSize(), 0); err != nil {
		return nil, errors.Wrap(err, "allocate root block")
	}
	return a, nil
}

// sourceLength returns the size of r, or -1 when r cannot tell
func sourceLength(r io.ReaderAt) int64 {
	switch s := r.(type) {
	case interface{ Size() int64 }:
		return s.Size()
	case interface{ Stat() (os.FileInfo, error) }:
		fi, err := s.Stat()
		if err != nil || !fi.Mode().IsRegular() {
			return -1
		}
		return fi.Size()
	case interface{ Len() int }:
		return int64(s.Len())
	}
	return -1
}

// ReaderWriterAt is a random access file that can be read and written
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

func (a *Allocator) readRoot(root *Block) error {
	var count uint32
	if err := root.Unpack(&count, &a.unknown2); err != nil {
		return errors.Wrap(err, "read offset count")
	}
	if uint64(count)*4 > uint64(root.Remaining()) {
		return errors.Wrapf(ErrTruncated, "offset table of %d entries", count)
	}
	// table is stored in chunks of 256 entries
	for c := (count + offsetChunk - 1) &^ (offsetChunk - 1); c > 0; c -= offsetChunk {
		chunk := make([]uint32, offsetChunk)
		if err := root.Unpack(chunk); err != nil {
			return errors.Wrap(err, "read offset table")
		}
		a.offsets = append(a.offsets, chunk...)
	}
	a.offsets = a.offsets[:count]

	tocCount, err := root.ReadUint32()
	if err != nil {
		return errors.Wrap(err, "read toc count")
	}
	for i := uint32(0); i < tocCount; i++ {
		nlen, err := root.ReadUint8()
		if err != nil {
			return errors.Wrap(err, "read toc name length")
		}
		name, err := root.Next(int(nlen))
		if err != nil {
			return errors.Wrap(err, "read toc name")
		}
		value, err := root.ReadUint32()
		if err != nil {
			return errors.Wrap(err, "read toc value")
		}
		a.toc[string(name)] = value
	}

	for n := 0; n < freeLists; n++ {
		fcount, err := root.ReadUint32()
		if err != nil {
			return errors.Wrapf(err, "read free list %d", n)
		}
		if uint64(fcount)*4 > uint64(root.Remaining()) {
			return errors.Wrapf(ErrTruncated, "free list %d of %d entries", n, fcount)
		}
		list := make([]uint32, fcount)
		if err := root.Unpack(list); err != nil {
			return errors.Wrapf(err, "read free list %d", n)
		}
		a.free[n] = list
	}
	return nil
}

// readAt reads size bytes at nominal offset off. A short file is padded
// with zeros rather than failing.
func (a *Allocator) readAt(off int64, size int) ([]byte, error) {
	data := make([]byte, size)
	n, err := a.r.ReadAt(data, off+4)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read %d bytes at %d", size, off)
	}
	for i := n; i < size; i++ {
		data[i] = 0
	}
	return data, nil
}

func (a *Allocator) writeAt(off int64, data []byte) error {
	if a.w == nil {
		return ErrReadOnly
	}
	if _, err := a.w.WriteAt(data, off+4); err != nil {
		return errors.Wrapf(err, "write %d bytes at %d", len(data), off)
	}
	return nil
}

// Read returns size raw bytes at nominal offset
func (a *Allocator) Read(offset, size uint32) ([]byte, error) {
	return a.readAt(int64(offset), int(size))
}

// ReadFields unpacks big endian fixed-size values at nominal offset
func (a *Allocator) ReadFields(offset uint32, data ...interface{}) error {
	size := 0
	for _, d := range data {
		s := binary.Size(d)
		if s < 0 {
			return errors.Errorf("cannot unpack %T", d)
		}
		size += s
	}
	raw, err := a.readAt(int64(offset), size)
	if err != nil {
		return err
	}
	r := bytes.NewReader(raw)
	for _, d := range data {
		if err := binary.Read(r, binary.BigEndian, d); err != nil {
			return errors.Wrapf(err, "unpack %T", d)
		}
	}
	return nil
}

// Write stores raw bytes at nominal offset
func (a *Allocator) Write(offset uint32, data []byte) error {
	return a.writeAt(int64(offset), data)
}

// WriteFields packs big endian fixed-size values at nominal offset
func (a *Allocator) WriteFields(offset uint32, data ...interface{}) error {
	buf := new(bytes.Buffer)
	for _, d := range data {
		if err := binary.Write(buf, binary.BigEndian, d); err != nil {
			return errors.Wrapf(err, "pack %T", d)
		}
	}
	return a.writeAt(int64(offset), buf.Bytes())
}

// Header returns the parsed file header
func (a *Allocator) Header() Header {
	return a.header
}

// SetReserved replaces the 16 unknown header bytes written by Flush
func (a *Allocator) SetReserved(reserved [16]byte) {
	a.header.Reserved = reserved
	a.dirty = true
}

// Dirty reports whether root block metadata is waiting for Flush
func (a *Allocator) Dirty() bool {
	return a.dirty
}

// Len is the number of slots in the block offset table
func (a *Allocator) Len() int {
	return len(a.offsets)
}

// Address returns the packed address stored in slot n
func (a *Allocator) Address(n uint32) (uint32, bool) {
	if int(n) >= len(a.offsets) {
		return 0, false
	}
	return a.offsets[n], true
}

// FreeList returns a copy of the free list for blocks of 1<<width bytes
func (a *Allocator) FreeList(width int) []uint32 {
	if width < 0 || width >= freeLists {
		return nil
	}
	return append([]uint32(nil), a.free[width]...)
}

// Block materialises block number n. It fails with ErrNotFound when the
// slot does not exist or is unused.
func (a *Allocator) Block(n uint32) (*Block, error) {
	addr, ok := a.Address(n)
	if !ok || addr == 0 {
		return nil, errors.Wrapf(ErrNotFound, "block %d", n)
	}
	if addr&0x1f > maxWidth {
		return nil, errors.Wrapf(ErrCorrupt, "block %d has width %d", n, addr&0x1f)
	}
	offset, size := blockOffset(addr), blockSize(addr)
	// buddy blocks are aligned to their size and never overlap the header
	if offset == 0 || offset%size != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "block %d at %d is not aligned to %d", n, offset, size)
	}
	if a.length >= 0 && int64(offset)+4 >= a.length {
		return nil, errors.Wrapf(ErrTruncated, "block %d at %d past end of %d byte file", n, offset, a.length)
	}
	return newBlock(a, offset, size)
}

// WithBlock runs fn on block n and always closes the block afterwards,
// flushing changes even when fn fails.
func (a *Allocator) WithBlock(n uint32, fn func(b *Block) error) (err error) {
	b, err := a.Block(n)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(b)
}

// TOC returns the block number registered under name
func (a *Allocator) TOC(name string) (uint32, error) {
	n, ok := a.toc[name]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "toc entry %q", name)
	}
	return n, nil
}

// SetTOC registers name for block number n
func (a *Allocator) SetTOC(name string, n uint32) error {
	if len(name) == 0 || len(name) > maxTOCName {
		return errors.Errorf("invalid toc name length %d", len(name))
	}
	a.toc[name] = n
	a.dirty = true
	return nil
}

// DeleteTOC removes name from the table of contents
func (a *Allocator) DeleteTOC(name string) error {
	if _, ok := a.toc[name]; !ok {
		return errors.Wrapf(ErrNotFound, "toc entry %q", name)
	}
	delete(a.toc, name)
	a.dirty = true
	return nil
}

// TOCNames returns the table of contents names in sorted order
func (a *Allocator) TOCNames() []string {
	names := make([]string, 0, len(a.toc))
	for name := range a.toc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allocate makes slot block hold a block of at least size bytes and
// returns the slot number. A negative block picks the first unused slot,
// or appends one.
func (a *Allocator) Allocate(size uint32, block int) (int, error) {
	if block < 0 {
		block = len(a.offsets)
		for i, addr := range a.offsets {
			if addr == 0 {
				block = i
				break
			}
		}
	}
	slots := len(a.offsets)
	for block >= len(a.offsets) {
		a.offsets = append(a.offsets, 0)
	}

	width := uint(bits.Len32(size))
	if width < minWidth {
		width = minWidth
	}

	addr := a.offsets[block]
	var saved [freeLists][]uint32
	if addr != 0 {
		if uint(addr&0x1f) == width {
			return block, nil
		}
		for n, list := range a.free {
			saved[n] = append([]uint32(nil), list...)
		}
		a.release(blockOffset(addr), uint(addr&0x1f))
		a.offsets[block] = 0
	}

	offset, err := a.alloc(width)
	if err != nil {
		// leave the slot and the free lists as they were
		if addr != 0 {
			a.free = saved
			a.offsets[block] = addr
		}
		a.offsets = a.offsets[:slots]
		if block >= slots {
			return -1, err
		}
		return block, err
	}
	a.offsets[block] = offset | uint32(width)
	a.dirty = true
	a.log.WithFields(logrus.Fields{
		"block":  block,
		"offset": offset,
		"width":  width,
	}).Debug("allocated block")
	return block, nil
}

// Release returns the storage of slot block to the free lists
func (a *Allocator) Release(block int) error {
	if block < 0 || block >= len(a.offsets) {
		return errors.Wrapf(ErrNotFound, "block %d", block)
	}
	if addr := a.offsets[block]; addr != 0 {
		a.release(blockOffset(addr), uint(addr&0x1f))
	}
	if block == len(a.offsets)-1 {
		a.offsets = a.offsets[:block]
	} else {
		a.offsets[block] = 0
	}
	a.dirty = true
	return nil
}

// alloc splits larger free blocks until one of 1<<width bytes is available
func (a *Allocator) alloc(width uint) (uint32, error) {
	w := width
	for w < freeLists && len(a.free[w]) == 0 {
		w++
	}
	if w >= freeLists {
		return 0, errors.Wrapf(ErrNoSpace, "width %d", width)
	}
	for w > width {
		offset := a.free[w][0]
		a.free[w] = a.free[w][1:]
		w--
		a.free[w] = insertSorted(a.free[w], offset)
		a.free[w] = insertSorted(a.free[w], offset^(uint32(1)<<w))
	}
	offset := a.free[width][0]
	a.free[width] = a.free[width][1:]
	a.dirty = true
	return offset, nil
}

// release coalesces offset with its buddy for as long as the buddy is free
func (a *Allocator) release(offset uint32, width uint) {
	for width < freeLists-1 {
		buddy := offset ^ (uint32(1) << width)
		list := a.free[width]
		i := sort.Search(len(list), func(i int) bool { return list[i] >= buddy })
		if i >= len(list) || list[i] != buddy {
			break
		}
		a.free[width] = append(list[:i], list[i+1:]...)
		offset &^= uint32(1) << width
		width++
	}
	a.free[width] = insertSorted(a.free[width], offset)
	a.dirty = true
}

func insertSorted(list []uint32, v uint32) []uint32 {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func (a *Allocator) rootBlockSize() uint32 {
	size := 8
	size += 4 * ((len(a.offsets) + offsetChunk - 1) &^ (offsetChunk - 1))
	size += 4
	for name := range a.toc {
		size += 5 + len(name)
	}
	for _, list := range a.free {
		size += 4 + 4*len(list)
	}
	return uint32(size)
}

func (a *Allocator) writeRoot(b *Block) error {
	b.Zero()
	if err := b.Pack(uint32(len(a.offsets)), a.unknown2, a.offsets); err != nil {
		return err
	}
	if extra := len(a.offsets) % offsetChunk; extra != 0 {
		if _, err := b.Write(make([]byte, 4*(offsetChunk-extra))); err != nil {
			return err
		}
	}

	names := a.TOCNames()
	if err := b.WriteUint32(uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := b.Pack(uint8(len(name)), []byte(name), a.toc[name]); err != nil {
			return err
		}
	}

	for _, list := range a.free {
		if err := b.Pack(uint32(len(list)), list); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes the offset table, the table of contents and the free
// lists into the root block (slot 0), relocating it if it no longer
// fits, and rewrites the header.
func (a *Allocator) Flush() error {
	if !a.dirty {
		return nil
	}
	if a.w == nil {
		return ErrReadOnly
	}
	// allocating the root block changes the free lists it has to hold
	for i := 0; ; i++ {
		if _, err := a.Allocate(a.rootBlockSize(), 0); err != nil {
			return errors.Wrap(err, "allocate root block")
		}
		if a.rootBlockSize() <= blockSize(a.offsets[0]) {
			break
		}
		if i >= freeLists {
			return errors.Wrap(ErrNoSpace, "root block does not converge")
		}
	}
	if err := a.WithBlock(0, a.writeRoot); err != nil {
		return errors.Wrap(err, "write root block")
	}

	addr := a.offsets[0]
	a.header.Offset = blockOffset(addr)
	a.header.Size = blockSize(addr)
	a.header.Offset2 = a.header.Offset
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, &a.header); err != nil {
		return errors.Wrap(err, "encode header")
	}
	if err := a.writeAt(-4, buf.Bytes()); err != nil {
		return errors.Wrap(err, "write header")
	}
	a.dirty = false
	a.log.WithFields(logrus.Fields{
		"root": a.header.Offset,
		"size": a.header.Size,
	}).Debug("flushed root block")
	return nil
}

// Close flushes pending metadata
func (a *Allocator) Close() error {
	return a.Flush()
}
