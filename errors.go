package dsstore

import "github.com/pkg/errors"

var (
	// ErrFormat is returned when the buddy header is not valid
	ErrFormat = errors.New("not a buddy allocated file")
	// ErrTruncated is returned when a read or write goes past the end of a block
	ErrTruncated = errors.New("block truncated")
	// ErrUnknownType is returned for an entry type tag without a decoding rule
	ErrUnknownType = errors.New("unknown entry type")
	// ErrNoSpace is returned when no free block is large enough
	ErrNoSpace = errors.New("no free block available")
	// ErrReadOnly is returned when writing to a file opened without a writer
	ErrReadOnly = errors.New("file is read only")
	// ErrNotFound is returned when a ToC name or record key does not exist
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when the directory tree structure is inconsistent
	ErrCorrupt = errors.New("corrupt directory tree")
)
