package dsstore

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlock(t *testing.T, size uint32) (*Allocator, int) {
	a, _ := newTestAllocator(t)
	slot, err := a.Allocate(size-1, -1)
	require.NoError(t, err)
	return a, slot
}

func TestBlockCursor(t *testing.T) {
	a, slot := newTestBlock(t, 64)
	b, err := a.Block(uint32(slot))
	require.NoError(t, err)
	assert.Equal(t, 64, b.Len())
	assert.Equal(t, 0, b.Tell())

	pos, err := b.Seek(10, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)
	pos, err = b.Seek(-4, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	pos, err = b.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(64), pos)
	assert.Equal(t, 0, b.Remaining())

	_, err = b.Seek(1, io.SeekEnd)
	assert.ErrorIs(t, err, ErrTruncated)
	_, err = b.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, 64, b.Tell(), "failed seek keeps the cursor")
}

func TestBlockReadPastEnd(t *testing.T) {
	a, slot := newTestBlock(t, 32)
	b, err := a.Block(uint32(slot))
	require.NoError(t, err)

	_, err = b.Seek(30, io.SeekStart)
	require.NoError(t, err)
	_, err = b.ReadUint32()
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, 30, b.Tell())

	var x, y uint32
	_, _ = b.Seek(28, io.SeekStart)
	assert.ErrorIs(t, b.Unpack(&x, &y), ErrTruncated)
}

func TestBlockPackUnpack(t *testing.T) {
	a, slot := newTestBlock(t, 64)
	err := a.WithBlock(uint32(slot), func(b *Block) error {
		if err := b.Pack(uint32(1), uint8(2), [4]byte{'b', 'l', 'o', 'b'}, uint64(3)); err != nil {
			return err
		}
		assert.True(t, b.Dirty())
		return nil
	})
	require.NoError(t, err)

	err = a.WithBlock(uint32(slot), func(b *Block) error {
		assert.False(t, b.Dirty())
		var (
			x uint32
			y uint8
			z [4]byte
		)
		require.NoError(t, b.Unpack(&x, &y, &z))
		w, err := b.ReadUint64()
		require.NoError(t, err)
		assert.Equal(t, uint32(1), x)
		assert.Equal(t, uint8(2), y)
		assert.Equal(t, "blob", string(z[:]))
		assert.Equal(t, uint64(3), w)
		return nil
	})
	require.NoError(t, err)
}

func TestBlockWritePastEnd(t *testing.T) {
	a, slot := newTestBlock(t, 32)
	b, err := a.Block(uint32(slot))
	require.NoError(t, err)
	_, _ = b.Seek(30, io.SeekStart)
	_, err = b.Write([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)
	assert.False(t, b.Dirty())
}

func TestBlockInvalidate(t *testing.T) {
	a, slot := newTestBlock(t, 32)
	b, err := a.Block(uint32(slot))
	require.NoError(t, err)
	require.NoError(t, b.WriteUint32(7))
	b.Invalidate()
	require.NoError(t, b.Close())

	b, err = a.Block(uint32(slot))
	require.NoError(t, err)
	v, err := b.ReadUint32()
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestWithBlockFlushesOnError(t *testing.T) {
	a, slot := newTestBlock(t, 32)
	err := a.WithBlock(uint32(slot), func(b *Block) error {
		if err := b.WriteUint32(99); err != nil {
			return err
		}
		_, err := b.Next(100)
		return err
	})
	assert.ErrorIs(t, err, ErrTruncated)

	err = a.WithBlock(uint32(slot), func(b *Block) error {
		v, err := b.ReadUint32()
		assert.Equal(t, uint32(99), v)
		return err
	})
	require.NoError(t, err)
}

func TestBlockNotPresent(t *testing.T) {
	a, _ := newTestAllocator(t)
	_, err := a.Block(42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, a.WithBlock(42, func(*Block) error { return nil }), ErrNotFound)
}
