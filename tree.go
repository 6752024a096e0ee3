package dsstore

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxTreeDepth bounds the node stack of a traversal. Finder trees are a
// few levels deep at most.
const maxTreeDepth = 64

// Superblock is the DSDB record naming the tree root
type Superblock struct {
	RootNode uint32
	Levels   uint32
	Records  uint32
	Nodes    uint32
	PageSize uint32
}

// Tree is the ordered record directory rooted at the "DSDB" ToC entry.
// It holds no storage of its own; every node is read from the allocator
// when visited.
type Tree struct {
	alloc *Allocator
	block uint32
	super Superblock
}

// NewTree reads the DSDB superblock
func NewTree(a *Allocator) (*Tree, error) {
	block, err := a.TOC("DSDB")
	if err != nil {
		return nil, err
	}
	t := &Tree{alloc: a, block: block}
	err = a.WithBlock(block, func(b *Block) error {
		return b.Unpack(&t.super)
	})
	if err != nil {
		return nil, errors.Wrap(err, "read DSDB superblock")
	}
	return t, nil
}

// Superblock returns the tree summary
func (t *Tree) Superblock() Superblock {
	return t.super
}

// Iter returns a new iterator positioned before the first record
func (t *Tree) Iter() *Iterator {
	return &Iterator{tree: t}
}

type frame struct {
	block     *Block
	next      uint32 // rightmost child, 0 for a leaf
	remaining uint32
	pending   bool // a child was visited and its separator is next
}

// Iterator walks the tree in key order. For an internal node each
// child subtree is visited before the separator entry that follows it,
// and the rightmost subtree last.
type Iterator struct {
	tree    *Tree
	stack   []*frame
	entry   Entry
	err     error
	count   uint32
	visited int
	started bool
	done    bool
}

func (it *Iterator) push(node uint32) error {
	if len(it.stack) >= maxTreeDepth {
		return errors.Wrapf(ErrCorrupt, "tree deeper than %d levels", maxTreeDepth)
	}
	it.visited++
	if it.visited > it.tree.alloc.Len() {
		return errors.Wrapf(ErrCorrupt, "visited %d nodes in %d blocks", it.visited, it.tree.alloc.Len())
	}
	b, err := it.tree.alloc.Block(node)
	if err != nil {
		return errors.Wrapf(err, "read node %d", node)
	}
	f := &frame{block: b}
	if err := b.Unpack(&f.next, &f.remaining); err != nil {
		return errors.Wrapf(err, "read node %d header", node)
	}
	it.stack = append(it.stack, f)
	return nil
}

func (it *Iterator) pop() error {
	f := it.stack[len(it.stack)-1]
	it.stack[len(it.stack)-1] = nil
	it.stack = it.stack[:len(it.stack)-1]
	return f.block.Close()
}

func (it *Iterator) fail(err error) bool {
	it.Close()
	it.err = err
	return false
}

func (it *Iterator) yield(f *frame) bool {
	e, err := DecodeEntry(f.block)
	if err != nil {
		return it.fail(errors.Wrapf(err, "decode entry %d", it.count))
	}
	it.entry = e
	it.count++
	return true
}

// Next advances to the next record. It returns false at the end of the
// tree or on error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if !it.started {
		it.started = true
		if err := it.push(it.tree.super.RootNode); err != nil {
			return it.fail(err)
		}
	}
	for len(it.stack) > 0 {
		f := it.stack[len(it.stack)-1]
		if f.pending {
			f.pending = false
			return it.yield(f)
		}
		if f.remaining == 0 {
			if err := it.pop(); err != nil {
				return it.fail(err)
			}
			if f.next != 0 {
				if err := it.push(f.next); err != nil {
					return it.fail(err)
				}
			}
			continue
		}
		f.remaining--
		if f.next == 0 {
			return it.yield(f)
		}
		child, err := f.block.ReadUint32()
		if err != nil {
			return it.fail(errors.Wrap(err, "read child pointer"))
		}
		f.pending = true
		if err := it.push(child); err != nil {
			return it.fail(err)
		}
	}
	it.done = true
	if declared := it.tree.super.Records; it.count != declared {
		it.tree.alloc.log.WithFields(logrus.Fields{
			"declared": declared,
			"visited":  it.count,
		}).Warn("record count mismatch")
		kind := ErrCorrupt
		if it.count < declared {
			kind = ErrTruncated
		}
		it.err = errors.Wrapf(kind, "tree holds %d of %d records", it.count, declared)
	}
	return false
}

// Entry returns the current record
func (it *Iterator) Entry() Entry {
	return it.entry
}

// Err returns the error that stopped the iteration
func (it *Iterator) Err() error {
	return it.err
}

// Count is the number of records yielded so far
func (it *Iterator) Count() int {
	return int(it.count)
}

// Close releases the blocks held by an unfinished iteration. It returns
// the first error from writing back a modified block.
func (it *Iterator) Close() error {
	var err error
	for len(it.stack) > 0 {
		if perr := it.pop(); perr != nil && err == nil {
			err = perr
		}
	}
	it.done = true
	return err
}

// Lookup descends from the root to the record keyed by filename and code
func (t *Tree) Lookup(filename, code string) (Entry, error) {
	node := t.super.RootNode
	for depth := 0; depth < maxTreeDepth; depth++ {
		var (
			found Entry
			ok    bool
			child uint32
		)
		err := t.alloc.WithBlock(node, func(b *Block) error {
			var next, count uint32
			if err := b.Unpack(&next, &count); err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				var ptr uint32
				if next != 0 {
					var err error
					if ptr, err = b.ReadUint32(); err != nil {
						return err
					}
				}
				e, err := DecodeEntry(b)
				if err != nil {
					return err
				}
				c := CompareKeys(filename, code, e.Filename, e.Code)
				if c == 0 {
					found, ok = e, true
					return nil
				}
				if c < 0 {
					child = ptr
					return nil
				}
			}
			child = next
			return nil
		})
		if err != nil {
			return Entry{}, errors.Wrapf(err, "search node %d", node)
		}
		if ok {
			return found, nil
		}
		if child == 0 {
			return Entry{}, errors.Wrapf(ErrNotFound, "record %q %q", filename, code)
		}
		node = child
	}
	return Entry{}, errors.Wrapf(ErrCorrupt, "tree deeper than %d levels", maxTreeDepth)
}

// Find returns every record for filename, in code order
func (t *Tree) Find(filename string) ([]Entry, error) {
	var entries []Entry
	it := t.Iter()
	defer it.Close()
	for it.Next() {
		e := it.Entry()
		c := compareNames(filename, e.Filename)
		if c < 0 {
			break
		}
		if c == 0 {
			entries = append(entries, e)
		}
	}
	return entries, it.Err()
}
