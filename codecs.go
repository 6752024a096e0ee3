package dsstore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"howett.net/plist"
)

// Unset marks a coordinate stored as 0xFFFFFFFF
const Unset int64 = -1

type blobDecoder struct {
	name   string
	decode func(data []byte) (interface{}, error)
}

// blobDecoders interpret blob values by record code
var blobDecoders = map[string]blobDecoder{
	"Iloc": {"IconLocation", decodeIconLocation},
	"dilc": {"DesktopIconLocation", decodeDesktopIconLocation},
	"icvo": {"IconViewOptions", decodeIconViewOptions},
	"fwi0": {"WindowInfo", decodeWindowInfo},
	"bwsp": {"Plist", decodePlist},
	"lsvp": {"Plist", decodePlist},
	"lsvP": {"Plist", decodePlist},
	"icvp": {"Plist", decodePlist},
	"lsvC": {"Plist", decodePlist},
	"glvp": {"Plist", decodePlist},
	"pBBk": {"Bookmark", decodeBookmark},
}

// DecoderName returns the interpreter name registered for a blob code
func DecoderName(code string) (string, bool) {
	dec, ok := blobDecoders[code]
	return dec.name, ok
}

func unpackBlob(data []byte, min int, v ...interface{}) error {
	if len(data) < min {
		return errors.Wrapf(ErrTruncated, "blob of %d bytes, need %d", len(data), min)
	}
	r := bytes.NewReader(data)
	for _, d := range v {
		if err := binary.Read(r, binary.BigEndian, d); err != nil {
			return err
		}
	}
	return nil
}

func optional(v uint32) int64 {
	if v == 0xffffffff {
		return Unset
	}
	return int64(v)
}

// IconLocation is the Iloc record: icon position in its folder window
type IconLocation struct {
	X     int64
	Y     int64
	Index int64
	Extra string // hex of the bytes after the triple
}

func decodeIconLocation(data []byte) (interface{}, error) {
	var x, y, z uint32
	if err := unpackBlob(data, 12, &x, &y, &z); err != nil {
		return nil, err
	}
	return IconLocation{
		X:     optional(x),
		Y:     optional(y),
		Index: optional(z),
		Extra: hex.EncodeToString(data[12:]),
	}, nil
}

// ScreenPosition is a distance from a screen edge. Values above 65535
// count from the opposite edge, as 0xFFFFFFFF minus the distance.
type ScreenPosition struct {
	Distance     uint32
	FromOpposite bool
}

func screenPosition(v uint32) ScreenPosition {
	if v > 65535 {
		return ScreenPosition{Distance: 0xffffffff - v, FromOpposite: true}
	}
	return ScreenPosition{Distance: v}
}

// DesktopIconLocation is the dilc record of icons on the desktop
type DesktopIconLocation struct {
	Unknown1   uint32
	Quadrant   uint16 // 1 top right, 2 bottom right, 3 bottom left, 4 top left
	Unknown2   uint16
	Horizontal ScreenPosition // from the left, or from the right when FromOpposite
	Vertical   ScreenPosition // from the top, or from the bottom when FromOpposite
	GridX      uint32
	GridY      uint32
	Unknown3   uint32
	Unknown4   uint32
}

func decodeDesktopIconLocation(data []byte) (interface{}, error) {
	var raw struct {
		Unknown1   uint32
		Quadrant   uint16
		Unknown2   uint16
		Horizontal uint32
		Vertical   uint32
		GridX      uint32
		GridY      uint32
		Unknown3   uint32
		Unknown4   uint32
	}
	if err := unpackBlob(data, 32, &raw); err != nil {
		return nil, err
	}
	return DesktopIconLocation{
		Unknown1:   raw.Unknown1,
		Quadrant:   raw.Quadrant,
		Unknown2:   raw.Unknown2,
		Horizontal: screenPosition(raw.Horizontal),
		Vertical:   screenPosition(raw.Vertical),
		GridX:      raw.GridX,
		GridY:      raw.GridY,
		Unknown3:   raw.Unknown3,
		Unknown4:   raw.Unknown4,
	}, nil
}

// IconViewOptions is the icvo record
type IconViewOptions struct {
	Tag           string // "icv4"
	IconSize      uint16 // pixels
	Arrangement   string // "none", "grid"
	LabelPosition string // "botm", "rght"
	Extra         string
}

func decodeIconViewOptions(data []byte) (interface{}, error) {
	var raw struct {
		Tag           [4]byte
		IconSize      uint16
		Arrangement   [4]byte
		LabelPosition [4]byte
	}
	if err := unpackBlob(data, 14, &raw); err != nil {
		return nil, err
	}
	return IconViewOptions{
		Tag:           string(raw.Tag[:]),
		IconSize:      raw.IconSize,
		Arrangement:   string(raw.Arrangement[:]),
		LabelPosition: string(raw.LabelPosition[:]),
		Extra:         hex.EncodeToString(data[14:]),
	}, nil
}

// WindowInfo is the fwi0 record: Finder window bounds and view style
type WindowInfo struct {
	Top    uint16
	Left   uint16
	Bottom uint16
	Right  uint16
	View   string // "icnv", "clmv", "Nlsv", ...
	Extra  string
}

func decodeWindowInfo(data []byte) (interface{}, error) {
	var raw struct {
		Top, Left, Bottom, Right uint16
		View                     [4]byte
	}
	if err := unpackBlob(data, 12, &raw); err != nil {
		return nil, err
	}
	return WindowInfo{
		Top:    raw.Top,
		Left:   raw.Left,
		Bottom: raw.Bottom,
		Right:  raw.Right,
		View:   string(raw.View[:]),
		Extra:  hex.EncodeToString(data[12:]),
	}, nil
}

func decodePlist(data []byte) (interface{}, error) {
	var v interface{}
	if _, err := plist.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "decode property list")
	}
	return v, nil
}

// Bookmark is the byte range of a filesystem bookmark (pBBk). Its
// contents are left to a bookmark decoder.
type Bookmark struct {
	Data []byte
}

func decodeBookmark(data []byte) (interface{}, error) {
	if len(data) < 4 || string(data[:4]) != "book" {
		return nil, errors.New("missing bookmark magic")
	}
	return Bookmark{Data: data}, nil
}

var viewStyles = map[string]string{
	"\x00\x00\x00\x00": "view type null",
	"none":             "view type unselected",
	"icnv":             "icon view",
	"clmv":             "column view",
	"Nlsv":             "list view",
	"glyv":             "gallery view",
	"Flwv":             "cover flow view",
}

// ViewStyle describes a vstl view style code
func ViewStyle(code string) (string, bool) {
	desc, ok := viewStyles[code]
	return desc, ok
}
