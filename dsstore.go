// Package dsstore reads and writes .DS_Store files, the Finder folder view
// metadata store of macOS.
//
// A .DS_Store file is a buddy allocated block file (Allocator) holding a
// B-tree of records (Tree) keyed by file name and four character code.
package dsstore

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const headerMagic1 uint32 = 0x1

var headerMagic2 = [4]byte{'B', 'u', 'd', '1'}

// DefaultPageSize is the node size used by Finder
const DefaultPageSize uint32 = 0x1000

func blockSize(offset uint32) uint32 {
	return uint32(1) << (offset & uint32(0x1f))
}

func blockOffset(offset uint32) uint32 {
	return offset & ^uint32(0x1f)
}

// Option configures Open, OpenFile and the allocator constructors
type Option func(*options)

type options struct {
	log      *logrus.Entry
	writable bool
}

func newOptions(opts []Option) *options {
	o := &options{log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger used for debug and warning output
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithWritable makes OpenFile open the file for reading and writing
func WithWritable() Option {
	return func(o *options) {
		o.writable = true
	}
}

// DB is an open .DS_Store file
type DB struct {
	alloc  *Allocator
	tree   *Tree
	closer io.Closer
}

// Open reads the allocator and the DSDB superblock from r
func Open(r io.ReaderAt, opts ...Option) (*DB, error) {
	alloc, err := OpenAllocator(r, opts...)
	if err != nil {
		return nil, err
	}
	tree, err := NewTree(alloc)
	if err != nil {
		return nil, err
	}
	return &DB{alloc: alloc, tree: tree}, nil
}

// OpenFile opens the named .DS_Store file. The DB owns the file and
// closes it on Close.
func OpenFile(name string, opts ...Option) (*DB, error) {
	o := newOptions(opts)
	flag := os.O_RDONLY
	if o.writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(name, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	var src io.ReaderAt = f
	if !o.writable {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "stat %s", name)
		}
		// a section reader hides WriteAt, so the allocator treats the file
		// as read only
		src = io.NewSectionReader(f, 0, fi.Size())
	}
	db, err := Open(src, opts...)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	db.closer = f
	return db, nil
}

// Allocator returns the underlying block allocator
func (db *DB) Allocator() *Allocator {
	return db.alloc
}

// Tree returns the record directory
func (db *DB) Tree() *Tree {
	return db.tree
}

// Len is the record count declared by the superblock
func (db *DB) Len() int {
	return int(db.tree.Superblock().Records)
}

// Iter returns a fresh iterator over all records in key order
func (db *DB) Iter() *Iterator {
	return db.tree.Iter()
}

// Entries decodes every record
func (db *DB) Entries() ([]Entry, error) {
	it := db.Iter()
	defer it.Close()
	entries := make([]Entry, 0, db.Len())
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	return entries, it.Err()
}

// Lookup finds the record for filename and code
func (db *DB) Lookup(filename, code string) (Entry, error) {
	return db.tree.Lookup(filename, code)
}

// Find returns all records for filename
func (db *DB) Find(filename string) ([]Entry, error) {
	return db.tree.Find(filename)
}

// Flush writes pending allocator metadata
func (db *DB) Flush() error {
	if db.alloc.w == nil {
		return nil
	}
	return db.alloc.Flush()
}

// Close flushes pending metadata and closes the file opened by OpenFile
func (db *DB) Close() error {
	err := db.Flush()
	if db.closer != nil {
		if cerr := db.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
