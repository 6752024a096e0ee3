package dsstore

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

// Store is a whole .DS_Store file held in memory
type Store struct {
	HeaderExtra []byte  // reserved header bytes (unknown)
	PageSize    uint32  // tree node size, DefaultPageSize when zero
	Records     []Entry // records in key order
}

// Read is reads .DS_Store
func (s *Store) Read(r io.Reader, opts ...Option) error {
	// clear
	s.HeaderExtra = nil
	s.PageSize = 0
	s.Records = nil
	// read all
	fileData, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read store")
	}
	db, err := Open(bytes.NewReader(fileData), opts...)
	if err != nil {
		return err
	}
	defer db.Close()

	header := db.Allocator().Header()
	s.HeaderExtra = append([]byte(nil), header.Reserved[:]...)
	s.PageSize = db.Tree().Superblock().PageSize
	records, err := db.Entries()
	if err != nil {
		return err
	}
	s.Records = records
	return nil
}

// ReadFile is reads .DS_Store
func (s *Store) ReadFile(filename string, opts ...Option) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "open %s", filename)
	}
	defer f.Close()
	return s.Read(f, opts...)
}
