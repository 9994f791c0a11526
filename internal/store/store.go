// Package store persists consensus features. A store owns feature
// identity: IDs are assigned when a feature is written.
package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/524D/mzalign/internal/consensus"
)

// Store receives the consensus features of a batch
type Store interface {
	// Put writes f and returns the ID assigned to it
	Put(ctx context.Context, f *consensus.Feature) (int64, error)
	// Close completes the batch
	Close() error
	// Abort discards the batch where the output allows it
	Abort() error
}

// Open selects a store by path: "-" or "" writes JSON lines to stdout,
// a .sqlite or .db suffix opens an SQLite database, and any other path
// is a JSON lines file.
func Open(path string, log logrus.FieldLogger) (Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	switch {
	case path == "" || path == "-":
		return NewJSONLines(nopCloser{os.Stdout}), nil
	case isSQLite(path):
		return OpenSQLite(path, log)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create output")
	}
	s := NewJSONLines(f)
	s.path = path
	return s, nil
}

func isSQLite(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite", ".db":
		return true
	}
	return false
}

type nopCloser struct{ *os.File }

func (nopCloser) Close() error { return nil }
