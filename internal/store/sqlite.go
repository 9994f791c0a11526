package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/524D/mzalign/internal/consensus"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    created TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS features (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    batch TEXT NOT NULL REFERENCES batches(id),
    cluster INTEGER NOT NULL,
    mz REAL NOT NULL,
    rt REAL NOT NULL,
    rt_start REAL NOT NULL,
    rt_end REAL NOT NULL,
    ion_type TEXT NOT NULL,
    neutral_mass REAL NOT NULL,
    low_confidence INTEGER NOT NULL,
    hypothesis BLOB,
    abundances BLOB,
    ms2 BLOB
);
`

const insertFeature = `INSERT INTO features(batch, cluster, mz, rt, rt_start, rt_end,
    ion_type, neutral_mass, low_confidence, hypothesis, abundances, ms2)
    VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// EnsureSchema creates the batch and feature tables if they do not exist
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// SQLite stores features in an SQLite database. All features of one
// batch are written in a single transaction that commits on Close.
// Abundances, hypothesis and fragmentation references are msgpack
// encoded.
type SQLite struct {
	db    *sql.DB
	tx    *sql.Tx
	stmt  *sql.Stmt
	batch string
	n     int
	log   logrus.FieldLogger
}

// OpenSQLite opens or creates the database at path and starts a new batch
func OpenSQLite(path string, log logrus.FieldLogger) (*SQLite, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	s, err := newSQLite(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLite(db *sql.DB, log logrus.FieldLogger) (*SQLite, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, errors.Wrap(err, "create schema")
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	batch := uuid.New().String()
	if _, err := tx.Exec(`INSERT INTO batches(id, created) VALUES(?, ?)`,
		batch, time.Now().UTC().Format(time.RFC3339)); err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "insert batch")
	}
	stmt, err := tx.Prepare(insertFeature)
	if err != nil {
		tx.Rollback()
		return nil, errors.Wrap(err, "prepare")
	}
	return &SQLite{db: db, tx: tx, stmt: stmt, batch: batch, log: log}, nil
}

// Batch returns the UUID of the batch being written
func (s *SQLite) Batch() string {
	return s.batch
}

// Put implements Store
func (s *SQLite) Put(ctx context.Context, f *consensus.Feature) (int64, error) {
	hyp, err := msgpack.Marshal(f.Hypothesis)
	if err != nil {
		return 0, errors.Wrap(err, "encode hypothesis")
	}
	abundances, err := msgpack.Marshal(f.Abundances)
	if err != nil {
		return 0, errors.Wrap(err, "encode abundances")
	}
	ms2, err := msgpack.Marshal(f.MS2)
	if err != nil {
		return 0, errors.Wrap(err, "encode ms2")
	}
	res, err := s.stmt.ExecContext(ctx, s.batch, f.Cluster, f.Mz, f.RT, f.RTStart, f.RTEnd,
		f.IonType.Name, f.NeutralMass, f.LowConfidence, hyp, abundances, ms2)
	if err != nil {
		return 0, errors.Wrap(err, "insert feature")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "feature id")
	}
	s.n++
	return id, nil
}

// Close commits the batch and closes the database
func (s *SQLite) Close() error {
	var result *multierror.Error
	if err := s.stmt.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close statement"))
	}
	if err := s.tx.Commit(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "commit"))
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close database"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"batch": s.batch, "features": s.n}).Info("batch stored")
	return nil
}

// Abort rolls back the batch and closes the database
func (s *SQLite) Abort() error {
	var result *multierror.Error
	if err := s.stmt.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close statement"))
	}
	if err := s.tx.Rollback(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "rollback"))
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close database"))
	}
	s.log.WithField("batch", s.batch).Warn("batch discarded")
	return result.ErrorOrNil()
}
