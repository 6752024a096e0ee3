package dsstore

import (
	"io"
	"sort"

	"github.com/pkg/errors"
)

type sizedEntry struct {
	entry Entry
	size  int
}

// treeWriter bulk loads sorted entries into a fresh tree. Nodes are
// filled to about one page; a range that does not fit is split into
// children separated by single entries.
type treeWriter struct {
	alloc    *Allocator
	pageSize int
	nodes    uint32
}

func (t *treeWriter) build(entries []sizedEntry) (uint32, uint32, error) {
	total := 8
	for _, e := range entries {
		total += e.size
	}
	n := len(entries)
	if total <= t.pageSize || n < 4 {
		node, err := t.writeNode(0, nil, entries)
		return node, 0, err
	}

	c := (total + t.pageSize - 1) / t.pageSize
	// separators of one node should fit in a page too
	fanout := (t.pageSize-8)/((total-8)/n+4) + 1
	if c > fanout {
		c = fanout
	}
	if c < 2 {
		c = 2
	}
	if c > n/2 {
		c = n / 2
	}
	children := make([]uint32, 0, c)
	separators := make([]sizedEntry, 0, c-1)
	var levels uint32
	start := 0
	for j := 1; j <= c; j++ {
		end := n
		if j < c {
			end = j * n / c
		}
		child, childLevels, err := t.build(entries[start:end])
		if err != nil {
			return 0, 0, err
		}
		children = append(children, child)
		if childLevels+1 > levels {
			levels = childLevels + 1
		}
		if j < c {
			separators = append(separators, entries[end])
			start = end + 1
		}
	}
	node, err := t.writeNode(children[c-1], children[:c-1], separators)
	return node, levels, err
}

func (t *treeWriter) writeNode(next uint32, children []uint32, entries []sizedEntry) (uint32, error) {
	need := 8
	for _, e := range entries {
		need += e.size
		if next != 0 {
			need += 4
		}
	}
	if need < t.pageSize {
		need = t.pageSize
	}
	// Allocate rounds up past a power of two, ask for one byte less
	slot, err := t.alloc.Allocate(uint32(need-1), -1)
	if err != nil {
		return 0, errors.Wrap(err, "allocate node")
	}
	t.nodes++
	err = t.alloc.WithBlock(uint32(slot), func(b *Block) error {
		b.Zero()
		if err := b.Pack(next, uint32(len(entries))); err != nil {
			return err
		}
		for i, e := range entries {
			if next != 0 {
				if err := b.WriteUint32(children[i]); err != nil {
					return err
				}
			}
			if err := e.entry.EncodeTo(b); err != nil {
				return errors.Wrapf(err, "encode %q %q", e.entry.Filename, e.entry.Code)
			}
		}
		return nil
	})
	return uint32(slot), err
}

// Write writes .DS_Store. The records are sorted and bulk loaded into a
// new file; the receiver is not modified.
func (s *Store) Write(w io.Writer, opts ...Option) error {
	buf := new(Buffer)
	alloc, err := CreateAllocator(buf, opts...)
	if err != nil {
		return err
	}
	if len(s.HeaderExtra) > 0 {
		var reserved [16]byte
		copy(reserved[:], s.HeaderExtra)
		alloc.SetReserved(reserved)
	}
	pageSize := s.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	// superblock
	super, err := alloc.Allocate(20, -1)
	if err != nil {
		return errors.Wrap(err, "allocate superblock")
	}

	// records
	sized := make([]sizedEntry, len(s.Records))
	for i, r := range s.Records {
		size, err := r.ByteLength()
		if err != nil {
			return errors.Wrapf(err, "size %q %q", r.Filename, r.Code)
		}
		sized[i] = sizedEntry{entry: r, size: size}
	}
	sort.SliceStable(sized, func(i, j int) bool {
		return sized[i].entry.Less(sized[j].entry)
	})
	tw := &treeWriter{alloc: alloc, pageSize: int(pageSize)}
	root, levels, err := tw.build(sized)
	if err != nil {
		return err
	}

	sb := Superblock{
		RootNode: root,
		Levels:   levels,
		Records:  uint32(len(sized)),
		Nodes:    tw.nodes,
		PageSize: pageSize,
	}
	err = alloc.WithBlock(uint32(super), func(b *Block) error {
		return b.Pack(sb)
	})
	if err != nil {
		return errors.Wrap(err, "write superblock")
	}
	if err := alloc.SetTOC("DSDB", uint32(super)); err != nil {
		return err
	}
	if err := alloc.Flush(); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}
