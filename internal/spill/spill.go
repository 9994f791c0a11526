// Package spill holds the peak arrays of one run. The arrays start out in
// memory and can be moved to a Parquet backing file in two explicit steps,
// FlushToDisk followed by ReleaseMemory. A crash between the two steps leaves
// the data available from memory or from disk, never from neither.
package spill

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrIOFailure means the backing file could not be written or read
	ErrIOFailure = errors.New("spill: backing file I/O failure")
	// ErrInvariantViolation means an operation was requested in a state
	// that does not allow it
	ErrInvariantViolation = errors.New("spill: invariant violation")
	// ErrInvalidHandle means the handle was not returned by Allocate
	ErrInvalidHandle = errors.New("spill: invalid handle")
)

// Handle identifies an allocated scan inside a Buffer
type Handle int

// Arrays contains the peak list of one scan
type Arrays struct {
	Mz     []float64
	Intens []float64
}

// Len returns the number of peaks
func (a Arrays) Len() int {
	return len(a.Mz)
}

// State of a Buffer
type State int

const (
	// StateResident: arrays only in memory, or memory holds data newer
	// than the backing file
	StateResident State = iota
	// StateFlushed: arrays in memory and in the backing file
	StateFlushed
	// StateSpilled: arrays only in the backing file
	StateSpilled
)

func (s State) String() string {
	switch s {
	case StateResident:
		return "resident"
	case StateFlushed:
		return "flushed"
	case StateSpilled:
		return "spilled"
	}
	return "unknown"
}

// scanRow is the on-disk representation of one allocated scan
type scanRow struct {
	Handle int64     `parquet:"handle"`
	Mz     []float64 `parquet:"mz"`
	Intens []float64 `parquet:"intensity"`
}

// Buffer is an append-only store of scan peak arrays
type Buffer struct {
	mu     sync.Mutex
	dir    string
	name   string
	path   string // backing file, empty until the first successful flush
	state  State
	arrays []Arrays // nil once spilled
	count  int
	pins   int
	file   *os.File      // backing file, open while spilled
	pf     *parquet.File // parsed footer of file
	log    logrus.FieldLogger
}

// New creates an empty resident buffer. The backing file will be created
// in dir.
func New(dir string, log logrus.FieldLogger) *Buffer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dir == "" {
		dir = os.TempDir()
	}
	name := uuid.NewString()
	return &Buffer{
		dir:  dir,
		name: name,
		log:  log.WithField("buffer", name),
	}
}

// Open attaches to an existing backing file. The returned buffer is in
// StateSpilled; it is used to recover data after the process stopped
// between FlushToDisk and ReleaseMemory.
func Open(path string, log logrus.FieldLogger) (*Buffer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	f, pf, err := openBacking(path)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	name := base[:len(base)-len(filepath.Ext(base))]
	return &Buffer{
		dir:   filepath.Dir(path),
		name:  name,
		path:  path,
		state: StateSpilled,
		count: int(pf.NumRows()),
		file:  f,
		pf:    pf,
		log:   log.WithField("buffer", name),
	}, nil
}

func openBacking(path string) (*os.File, *parquet.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrIOFailure, "open %s: %v", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(ErrIOFailure, "stat %s: %v", path, err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(ErrIOFailure, "parquet %s: %v", path, err)
	}
	return f, pf, nil
}

// Allocate appends a scan and returns its handle. The buffer takes ownership
// of the slices in a.
func (b *Buffer) Allocate(a Arrays) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateSpilled {
		return -1, errors.Wrap(ErrInvariantViolation, "allocate after memory was released")
	}
	if len(a.Mz) != len(a.Intens) {
		return -1, errors.Errorf("spill: m/z and intensity arrays differ in length (%d != %d)",
			len(a.Mz), len(a.Intens))
	}
	h := Handle(len(b.arrays))
	b.arrays = append(b.arrays, a)
	b.count++
	// New data is not in the backing file yet
	b.state = StateResident
	return h, nil
}

// Read returns the arrays of a scan. Once the buffer is spilled the arrays
// are loaded from disk into a new transient slice on every call. A backing
// file that was damaged after the release yields ErrIOFailure.
func (b *Buffer) Read(h Handle) (a Arrays, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h < 0 || int(h) >= b.count {
		return Arrays{}, ErrInvalidHandle
	}
	if b.state != StateSpilled {
		return b.arrays[h], nil
	}

	// The reader panics on some malformed pages
	defer func() {
		if r := recover(); r != nil {
			a, err = Arrays{}, errors.Wrapf(ErrIOFailure, "read row %d: %v", h, r)
		}
	}()
	r := parquet.NewGenericReader[scanRow](b.pf)
	defer r.Close()
	if err := r.SeekToRow(int64(h)); err != nil {
		return Arrays{}, errors.Wrapf(ErrIOFailure, "seek row %d: %v", h, err)
	}
	rows := make([]scanRow, 1)
	n, err := r.Read(rows)
	if n != 1 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return Arrays{}, errors.Wrapf(ErrIOFailure, "read row %d: %v", h, err)
	}
	return Arrays{Mz: rows[0].Mz, Intens: rows[0].Intens}, nil
}

// Pin registers a consumer that holds references into the resident arrays.
// ReleaseMemory fails while pins are outstanding. The returned function
// removes the pin; calling it more than once has no effect.
func (b *Buffer) Pin() (unpin func()) {
	b.mu.Lock()
	b.pins++
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.pins--
			b.mu.Unlock()
		})
	}
}

// FlushToDisk writes all arrays to the backing file. It is a no-op when the
// backing file is already up to date. On failure the buffer stays resident.
func (b *Buffer) FlushToDisk() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateResident {
		return nil
	}

	tmp, err := os.CreateTemp(b.dir, b.name+"-*.tmp")
	if err != nil {
		return errors.Wrapf(ErrIOFailure, "create temp file: %v", err)
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(ErrIOFailure, "%s: %v", op, err)
	}

	w := parquet.NewGenericWriter[scanRow](tmp, parquet.Compression(&parquet.Zstd))
	rows := make([]scanRow, len(b.arrays))
	var size uint64
	for i, a := range b.arrays {
		rows[i] = scanRow{Handle: int64(i), Mz: a.Mz, Intens: a.Intens}
		size += uint64(a.Len()) * 16
	}
	if _, err := w.Write(rows); err != nil {
		return fail("write rows", err)
	}
	if err := w.Close(); err != nil {
		return fail("close writer", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(ErrIOFailure, "close: %v", err)
	}
	path := filepath.Join(b.dir, b.name+".parquet")
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(ErrIOFailure, "rename: %v", err)
	}
	b.path = path
	b.state = StateFlushed
	b.log.WithFields(logrus.Fields{
		"scans": len(rows),
		"size":  humanize.Bytes(size),
	}).Debug("spill buffer flushed")
	return nil
}

// ReleaseMemory drops the resident arrays. It requires a completed flush,
// an existing backing file and no outstanding pins.
func (b *Buffer) ReleaseMemory() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.state == StateSpilled:
		return nil
	case b.state != StateFlushed || b.path == "":
		return errors.Wrap(ErrInvariantViolation, "release before flush completed")
	case b.pins > 0:
		return errors.Wrapf(ErrInvariantViolation, "release with %d live references", b.pins)
	}
	if _, err := os.Stat(b.path); errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(ErrInvariantViolation, "backing file %s is missing", b.path)
	}
	f, pf, err := openBacking(b.path)
	if err != nil {
		return err
	}
	if n := pf.NumRows(); int(n) != b.count {
		f.Close()
		return errors.Wrapf(ErrInvariantViolation, "backing file has %d rows, want %d", n, b.count)
	}
	released := b.residentBytes()
	b.file = f
	b.pf = pf
	b.arrays = nil
	b.state = StateSpilled
	b.log.WithField("released", humanize.Bytes(released)).Debug("spill buffer memory released")
	return nil
}

// Remove closes and deletes the backing file. The buffer must not be used
// afterwards.
func (b *Buffer) Remove() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.file != nil {
		err = b.file.Close()
		b.file = nil
		b.pf = nil
	}
	if b.path != "" {
		if rerr := os.Remove(b.path); rerr != nil && !os.IsNotExist(rerr) {
			err = rerr
		}
		b.path = ""
	}
	b.arrays = nil
	b.count = 0
	b.state = StateResident
	if err != nil {
		return errors.Wrapf(ErrIOFailure, "remove: %v", err)
	}
	return nil
}

// Stats describes the current buffer content
type Stats struct {
	State         State
	Scans         int
	ResidentBytes uint64
	Path          string
}

// Stats returns a snapshot of the buffer state
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		Scans:         b.count,
		ResidentBytes: b.residentBytes(),
		Path:          b.path,
	}
}

// State returns the current state
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len returns the number of allocated scans
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) residentBytes() uint64 {
	var n uint64
	for _, a := range b.arrays {
		n += uint64(len(a.Mz)+len(a.Intens)) * 8
	}
	return n
}
