package dsstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func blockOf(t *testing.T, data []byte) *Block {
	a, _ := newTestAllocator(t)
	value := append([]byte(nil), data...)
	return &Block{alloc: a, size: uint32(len(value)), value: value}
}

func sampleEntries() []Entry {
	return []Entry{
		{Filename: "Applications", Code: "dscl", Type: TypeBool, Value: true},
		{Filename: "Applications", Code: "fwsw", Type: TypeLong, Value: uint32(180)},
		{Filename: "Applications", Code: "fwvh", Type: TypeShort, Value: uint32(400)},
		{Filename: "Applications", Code: "Iloc", Type: TypeBlob, Value: []byte{0, 0, 0, 100, 0, 0, 0, 200, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 0}},
		{Filename: "Documents", Code: "cmmt", Type: TypeUstr, Value: "notes ✓ \U0001F4C1"},
		{Filename: "Documents", Code: "vstl", Type: TypeType, Value: "icnv"},
		{Filename: "Documents", Code: "lg1S", Type: TypeComp, Value: uint64(1 << 40)},
		{Filename: "Documents", Code: "moDD", Type: TypeDate, Value: uint64(0xd5e3a2c5 << 16)},
		{Filename: "\U0001F4C1 Folder", Code: "zzzz", Type: TypeBlob, Value: []byte{}},
	}
}

func TestEntryEncodeDecode(t *testing.T) {
	for _, e := range sampleEntries() {
		raw, err := e.Encode()
		require.NoError(t, err, "%s %s", e.Filename, e.Code)

		size, err := e.ByteLength()
		require.NoError(t, err)
		assert.Equal(t, len(raw), size, "%s %s", e.Filename, e.Code)

		got, err := DecodeEntry(blockOf(t, raw))
		require.NoError(t, err, "%s %s", e.Filename, e.Code)
		assert.Equal(t, e.Filename, got.Filename)
		assert.Equal(t, e.Code, got.Code)
		assert.Equal(t, e.Type, got.Type)
		assert.Equal(t, e.Value, got.Value)

		again, err := got.Encode()
		require.NoError(t, err)
		assert.Equal(t, raw, again)
	}
}

func TestEntryByteLength(t *testing.T) {
	e := Entry{Filename: "ab", Code: "cmmt", Type: TypeUstr, Value: "xyz"}
	size, err := e.ByteLength()
	require.NoError(t, err)
	assert.Equal(t, 4+4+8+4+6, size)

	e = Entry{Filename: "\U0001F4C1", Code: "dscl", Type: TypeBool, Value: false}
	size, err = e.ByteLength()
	require.NoError(t, err)
	assert.Equal(t, 4+4+8+1, size, "surrogate pairs count as two characters")

	e = Entry{Filename: "a", Code: "Iloc", Type: TypeBlob, Value: make([]byte, 16)}
	size, err = e.ByteLength()
	require.NoError(t, err)
	assert.Equal(t, 4+2+8+4+16, size)
}

func TestEntryUnknownType(t *testing.T) {
	raw := []byte{0, 0, 0, 1, 0, 'a', 'c', 'm', 'm', 't', 'x', 'x', 'x', 'x', 0, 0, 0, 0}
	_, err := DecodeEntry(blockOf(t, raw))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Entry{Filename: "a", Code: "cmmt", Type: "xxxx"}.ByteLength()
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = Entry{Filename: "a", Code: "cmmt", Type: "xxxx"}.Encode()
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestEntryTruncated(t *testing.T) {
	e := Entry{Filename: "Documents", Code: "cmmt", Type: TypeUstr, Value: "comment"}
	raw, err := e.Encode()
	require.NoError(t, err)
	for _, n := range []int{2, 10, len(raw) - 1} {
		_, err = DecodeEntry(blockOf(t, raw[:n]))
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", n)
	}
}

func TestEntryValueMismatch(t *testing.T) {
	_, err := Entry{Filename: "a", Code: "fwsw", Type: TypeLong, Value: 5}.Encode()
	assert.Error(t, err)
	_, err = Entry{Filename: "a", Code: "vstl", Type: TypeType, Value: "toolong"}.Encode()
	assert.Error(t, err)
	_, err = Entry{Filename: "a", Code: "abc", Type: TypeBool, Value: true}.Encode()
	assert.Error(t, err)
}

func decodeBlobEntry(t *testing.T, code string, blob []byte) Entry {
	t.Helper()
	raw, err := Entry{Filename: "x", Code: code, Type: TypeBlob, Value: blob}.Encode()
	require.NoError(t, err)
	e, err := DecodeEntry(blockOf(t, raw))
	require.NoError(t, err)
	assert.Equal(t, blob, e.Value)
	return e
}

func TestIconLocation(t *testing.T) {
	e := decodeBlobEntry(t, "Iloc", []byte{0, 0, 0, 100, 0, 0, 0, 200, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 0})
	assert.Equal(t, IconLocation{X: 100, Y: 200, Index: Unset, Extra: "ffff0000"}, e.Decoded)

	e = decodeBlobEntry(t, "Iloc", []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 1, 0, 0, 0, 2})
	assert.Equal(t, IconLocation{X: Unset, Y: 1, Index: 2}, e.Decoded)
}

func TestDesktopIconLocation(t *testing.T) {
	blob := []byte{
		0, 0, 0, 0, // unknown
		0, 1, // quadrant
		0, 7, // unknown
		0xff, 0xff, 0xff, 0x87, // 120 from the right
		0, 0, 1, 0x2c, // 300 from the top
		0, 0, 0, 10,
		0, 0, 0, 20,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
	e := decodeBlobEntry(t, "dilc", blob)
	require.IsType(t, DesktopIconLocation{}, e.Decoded)
	d := e.Decoded.(DesktopIconLocation)
	assert.Equal(t, uint16(1), d.Quadrant)
	assert.Equal(t, uint16(7), d.Unknown2)
	assert.Equal(t, ScreenPosition{Distance: 120, FromOpposite: true}, d.Horizontal)
	assert.Equal(t, ScreenPosition{Distance: 300}, d.Vertical)
	assert.Equal(t, uint32(10), d.GridX)
	assert.Equal(t, uint32(20), d.GridY)
}

func TestIconViewOptions(t *testing.T) {
	blob := append([]byte("icv4\x00\x40nonebotm"), make([]byte, 12)...)
	e := decodeBlobEntry(t, "icvo", blob)
	assert.Equal(t, IconViewOptions{
		Tag:           "icv4",
		IconSize:      64,
		Arrangement:   "none",
		LabelPosition: "botm",
		Extra:         "000000000000000000000000",
	}, e.Decoded)
}

func TestWindowInfo(t *testing.T) {
	blob := []byte{0, 50, 0, 100, 2, 0x58, 3, 0x84, 'i', 'c', 'n', 'v', 0, 0, 0, 0}
	e := decodeBlobEntry(t, "fwi0", blob)
	assert.Equal(t, WindowInfo{Top: 50, Left: 100, Bottom: 600, Right: 900, View: "icnv", Extra: "00000000"}, e.Decoded)
}

func TestPlistBlob(t *testing.T) {
	blob, err := plist.Marshal(map[string]interface{}{"ShowSidebar": true}, plist.BinaryFormat)
	require.NoError(t, err)
	e := decodeBlobEntry(t, "bwsp", blob)
	assert.Equal(t, map[string]interface{}{"ShowSidebar": true}, e.Decoded)
	assert.Equal(t, "Plist", e.Record().Type)
}

func TestBookmarkBlob(t *testing.T) {
	e := decodeBlobEntry(t, "pBBk", []byte("book\x00\x00\x00\x00"))
	assert.Equal(t, Bookmark{Data: []byte("book\x00\x00\x00\x00")}, e.Decoded)
}

func TestBlobFallsBackToRaw(t *testing.T) {
	// unregistered code
	e := decodeBlobEntry(t, "zzzz", []byte{1, 2, 3})
	assert.Nil(t, e.Decoded)
	assert.Equal(t, "blob", e.Record().Type)
	assert.Equal(t, "010203", e.Record().Value)

	// registered code with a blob too short to interpret
	e = decodeBlobEntry(t, "Iloc", []byte{1, 2, 3})
	assert.Nil(t, e.Decoded)

	e = decodeBlobEntry(t, "pBBk", []byte("alis"))
	assert.Nil(t, e.Decoded)

	e = decodeBlobEntry(t, "lsvp", []byte("bplist00garbage"))
	assert.Nil(t, e.Decoded)
}

func TestViewStyle(t *testing.T) {
	desc, ok := ViewStyle("clmv")
	assert.True(t, ok)
	assert.Equal(t, "column view", desc)
	_, ok = ViewStyle("????")
	assert.False(t, ok)
}
