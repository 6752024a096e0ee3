package dsstore

import (
	"github.com/pkg/errors"
)

// VisitFunc receives the records of one file in key order
type VisitFunc func(path string, e Entry) error

// ReadFiles decodes each file in turn and passes its records to visit.
// A file that fails to open or decode does not stop the batch: its error
// is logged and returned in the result map, keyed by path. Records
// decoded before the failure have already been visited.
func ReadFiles(paths []string, visit VisitFunc, opts ...Option) map[string]error {
	log := newOptions(opts).log
	failed := make(map[string]error)
	for _, path := range paths {
		if err := readFile(path, visit, opts); err != nil {
			log.WithField("path", path).WithError(err).Warn("failed to parse .DS_Store")
			failed[path] = err
		}
	}
	return failed
}

func readFile(path string, visit VisitFunc, opts []Option) error {
	db, err := OpenFile(path, opts...)
	if err != nil {
		return err
	}
	defer db.Close()

	it := db.Iter()
	defer it.Close()
	for it.Next() {
		if err := visit(path, it.Entry()); err != nil {
			return errors.Wrap(err, "visit record")
		}
	}
	return it.Err()
}
