package dsstore

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Entry type tags
const (
	TypeBool  = "bool" // 1 byte boolean
	TypeLong  = "long" // 4 byte unsigned
	TypeShort = "shor" // 4 byte unsigned
	TypeBlob  = "blob" // length prefixed bytes
	TypeUstr  = "ustr" // length prefixed UTF-16BE string
	TypeType  = "type" // four character code
	TypeComp  = "comp" // 8 byte unsigned
	TypeDate  = "dutc" // 8 byte 1/65536 second ticks since 1904
)

// Entry is one record of the directory tree.
//
// Value holds bool for bool, uint32 for long and shor, []byte for blob,
// string for ustr and type, uint64 for comp and dutc. For blobs whose code
// has a registered interpreter, Decoded holds the interpreted value.
type Entry struct {
	Filename string
	Code     string
	Type     string
	Value    interface{}
	Decoded  interface{}
}

type typeCodec struct {
	decode func(b *Block) (interface{}, error)
	encode func(w io.Writer, v interface{}) error
	size   func(v interface{}) (int, error)
}

var typeCodecs = map[string]typeCodec{
	TypeBool:  {decodeBool, encodeBool, fixedSize(1)},
	TypeLong:  {decodeUint32, encodeUint32, fixedSize(4)},
	TypeShort: {decodeUint32, encodeUint32, fixedSize(4)},
	TypeBlob:  {decodeBlob, encodeBlob, sizeBlob},
	TypeUstr:  {decodeUstr, encodeUstr, sizeUstr},
	TypeType:  {decodeFourCC, encodeFourCC, fixedSize(4)},
	TypeComp:  {decodeUint64, encodeUint64, fixedSize(8)},
	TypeDate:  {decodeUint64, encodeUint64, fixedSize(8)},
}

func fixedSize(n int) func(interface{}) (int, error) {
	return func(interface{}) (int, error) {
		return n, nil
	}
}

func decodeUTF16(data []byte) (string, error) {
	s, _, err := transform.Bytes(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder(), data)
	if err != nil {
		return "", err
	}
	return string(s), nil
}

func encodeUTF16(s string) ([]byte, error) {
	raw, _, err := transform.Bytes(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder(), []byte(s))
	return raw, err
}

func readUTF16(b *Block) (string, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return "", err
	}
	raw, err := b.Next(2 * int(n))
	if err != nil {
		return "", err
	}
	return decodeUTF16(raw)
}

func writeUTF16(w io.Writer, s string) error {
	raw, err := encodeUTF16(s)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(raw)/2)); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func decodeBool(b *Block) (interface{}, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

func encodeBool(w io.Writer, v interface{}) error {
	x, ok := v.(bool)
	if !ok {
		return errors.Errorf("bool value expected, got %T", v)
	}
	var raw byte
	if x {
		raw = 1
	}
	_, err := w.Write([]byte{raw})
	return err
}

func decodeUint32(b *Block) (interface{}, error) {
	return b.ReadUint32()
}

func encodeUint32(w io.Writer, v interface{}) error {
	x, ok := v.(uint32)
	if !ok {
		return errors.Errorf("uint32 value expected, got %T", v)
	}
	return binary.Write(w, binary.BigEndian, x)
}

func decodeUint64(b *Block) (interface{}, error) {
	return b.ReadUint64()
}

func encodeUint64(w io.Writer, v interface{}) error {
	x, ok := v.(uint64)
	if !ok {
		return errors.Errorf("uint64 value expected, got %T", v)
	}
	return binary.Write(w, binary.BigEndian, x)
}

func decodeBlob(b *Block) (interface{}, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	raw, err := b.Next(int(n))
	if err != nil {
		return nil, err
	}
	value := make([]byte, len(raw))
	copy(value, raw)
	return value, nil
}

func encodeBlob(w io.Writer, v interface{}) error {
	x, ok := v.([]byte)
	if !ok {
		return errors.Errorf("[]byte value expected, got %T", v)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(x))); err != nil {
		return err
	}
	_, err := w.Write(x)
	return err
}

func sizeBlob(v interface{}) (int, error) {
	x, ok := v.([]byte)
	if !ok {
		return 0, errors.Errorf("[]byte value expected, got %T", v)
	}
	return 4 + len(x), nil
}

func decodeUstr(b *Block) (interface{}, error) {
	return readUTF16(b)
}

func encodeUstr(w io.Writer, v interface{}) error {
	x, ok := v.(string)
	if !ok {
		return errors.Errorf("string value expected, got %T", v)
	}
	return writeUTF16(w, x)
}

func sizeUstr(v interface{}) (int, error) {
	x, ok := v.(string)
	if !ok {
		return 0, errors.Errorf("string value expected, got %T", v)
	}
	raw, err := encodeUTF16(x)
	if err != nil {
		return 0, err
	}
	return 4 + len(raw), nil
}

func decodeFourCC(b *Block) (interface{}, error) {
	raw, err := b.Next(4)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func encodeFourCC(w io.Writer, v interface{}) error {
	x, ok := v.(string)
	if !ok || len(x) != 4 {
		return errors.Errorf("four character code expected, got %#v", v)
	}
	_, err := io.WriteString(w, x)
	return err
}

// DecodeEntry reads one entry at the block cursor
func DecodeEntry(b *Block) (Entry, error) {
	var e Entry
	name, err := readUTF16(b)
	if err != nil {
		return e, errors.Wrap(err, "read filename")
	}
	e.Filename = name

	tags, err := b.Next(8)
	if err != nil {
		return e, errors.Wrap(err, "read code and type")
	}
	e.Code = string(tags[:4])
	e.Type = string(tags[4:])

	codec, ok := typeCodecs[e.Type]
	if !ok {
		return e, errors.Wrapf(ErrUnknownType, "type %q for %q %q", e.Type, e.Filename, e.Code)
	}
	if e.Value, err = codec.decode(b); err != nil {
		return e, errors.Wrapf(err, "read %s value", e.Type)
	}

	if e.Type == TypeBlob {
		if dec, ok := blobDecoders[e.Code]; ok {
			decoded, err := dec.decode(e.Value.([]byte))
			if err != nil {
				b.alloc.log.WithFields(logrus.Fields{
					"filename": e.Filename,
					"code":     e.Code,
				}).WithError(err).Debug("blob left undecoded")
			} else {
				e.Decoded = decoded
			}
		}
	}
	return e, nil
}

// ByteLength computes the encoded size of the entry without encoding it
func (e Entry) ByteLength() (int, error) {
	codec, ok := typeCodecs[e.Type]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownType, "type %q", e.Type)
	}
	name, err := encodeUTF16(e.Filename)
	if err != nil {
		return 0, err
	}
	size, err := codec.size(e.Value)
	if err != nil {
		return 0, err
	}
	return 4 + len(name) + 8 + size, nil
}

// EncodeTo writes the on-disk form of the entry
func (e Entry) EncodeTo(w io.Writer) error {
	codec, ok := typeCodecs[e.Type]
	if !ok {
		return errors.Wrapf(ErrUnknownType, "type %q", e.Type)
	}
	if len(e.Code) != 4 {
		return errors.Errorf("invalid code %q", e.Code)
	}
	if err := writeUTF16(w, e.Filename); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.Code+e.Type); err != nil {
		return err
	}
	return codec.encode(w, e.Value)
}

// Encode returns the on-disk form of the entry
func (e Entry) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := e.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
