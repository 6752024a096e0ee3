package dsstore

import (
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// seconds between 1904-01-01 and 1970-01-01
const epoch1904 int64 = 2082844800

// DateTime converts a dutc value, 1/65536 second ticks since
// 1904-01-01T00:00:00 UTC, to a time
func DateTime(v uint64) time.Time {
	sec := int64(v >> 16)
	nsec := int64((v & 0xffff) * uint64(time.Second) >> 16)
	return time.Unix(sec-epoch1904, nsec).UTC()
}

// DateValue converts a time to a dutc value
func DateValue(t time.Time) uint64 {
	sec := uint64(t.Unix() + epoch1904)
	frac := uint64(t.Nanosecond()) << 16 / uint64(time.Second)
	return sec<<16 | frac
}

func foldName(s string) string {
	return cases.Fold().String(s)
}

func compareNames(a, b string) int {
	return strings.Compare(foldName(a), foldName(b))
}

// CompareKeys orders record keys by case folded filename, then by code
func CompareKeys(filename1, code1, filename2, code2 string) int {
	if c := compareNames(filename1, filename2); c != 0 {
		return c
	}
	return strings.Compare(code1, code2)
}

// Compare orders entries by key
func (e Entry) Compare(o Entry) int {
	return CompareKeys(e.Filename, e.Code, o.Filename, o.Code)
}

// Less reports whether e sorts before o
func (e Entry) Less(o Entry) bool {
	return e.Compare(o) < 0
}

// Record is the text friendly form of an entry. Blob values are hex
// encoded unless interpreted, dutc values are times.
type Record struct {
	Filename string      `json:"filename"`
	Type     string      `json:"type"`
	Code     string      `json:"code"`
	Value    interface{} `json:"value"`
}

// Record converts the entry
func (e Entry) Record() Record {
	r := Record{
		Filename: e.Filename,
		Type:     e.Type,
		Code:     e.Code,
		Value:    e.Value,
	}
	switch {
	case e.Decoded != nil:
		r.Type, _ = DecoderName(e.Code)
		r.Value = e.Decoded
	case e.Type == TypeBlob:
		if raw, ok := e.Value.([]byte); ok {
			r.Value = hex.EncodeToString(raw)
		}
	case e.Type == TypeDate:
		if v, ok := e.Value.(uint64); ok {
			r.Value = DateTime(v)
		}
	}
	return r
}

// Compare orders records like entries
func (r Record) Compare(o Record) int {
	return CompareKeys(r.Filename, r.Code, o.Filename, o.Code)
}
