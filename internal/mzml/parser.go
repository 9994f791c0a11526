package mzml

import (
	"bufio"
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/xml"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/524D/mzalign/internal/lcms"
	"github.com/524D/mzalign/internal/spill"
)

// RunParser reads mzML files into spill-buffer backed runs
type RunParser struct {
	// AcceptProfile accepts non-peak picked spectra. By default a run
	// containing profile MS1 spectra is rejected as invalid input.
	AcceptProfile bool
}

// Parse reads the file at path. Peak arrays are allocated in buf.
// Malformed or unsupported files produce an error matching
// lcms.ErrInvalidInput; other errors are returned unclassified.
func (p RunParser) Parse(ctx context.Context, path string, buf *spill.Buffer) (*lcms.Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(path, err)
	}
	defer f.Close()

	doc, err := Read(bufio.NewReader(f))
	if err != nil {
		return nil, classify(path, err)
	}

	numSpecs := doc.NumSpecs()
	scans := make([]lcms.Scan, 0, numSpecs)
	for i := 0; i < numSpecs; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := p.readScan(&doc, i, buf)
		if err != nil {
			return nil, classify(path, errors.Wrapf(err, "spectrum %d", i))
		}
		scans = append(scans, s)
	}
	return lcms.NewRun(path, scans, buf), nil
}

func (p RunParser) readScan(doc *MzML, i int, buf *spill.Buffer) (lcms.Scan, error) {
	var s lcms.Scan
	var err error

	s.Index = i
	if s.NativeID, err = doc.ScanID(i); err != nil {
		return s, err
	}
	if s.MSLevel, err = doc.MSLevel(i); err != nil {
		return s, err
	}
	if s.RetentionTime, err = doc.RetentionTime(i); err != nil {
		return s, err
	}
	if s.MSLevel == 1 {
		centroid, err := doc.Centroid(i)
		if err != nil {
			return s, err
		}
		if !centroid && !p.AcceptProfile {
			return s, ErrProfileSpectrum
		}
	} else if s.PrecursorMz, err = doc.PrecursorMz(i); err != nil {
		return s, err
	}
	mz, intens, err := doc.ReadScan(i)
	if err != nil {
		return s, err
	}
	if s.Handle, err = buf.Allocate(spill.Arrays{Mz: mz, Intens: intens}); err != nil {
		// Not a data problem, must not be classified as invalid input
		return s, allocError{err}
	}
	return s, nil
}

type allocError struct{ err error }

func (e allocError) Error() string { return e.err.Error() }
func (e allocError) Unwrap() error { return e.err }

// classify marks data quality problems as invalid input
func classify(path string, err error) error {
	var (
		alloc   allocError
		syntax  *xml.SyntaxError
		unmarsh xml.UnmarshalError
		b64     base64.CorruptInputError
		num     *strconv.NumError
	)
	switch {
	case errors.As(err, &alloc):
		return errors.Wrap(alloc.err, path)
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, zlib.ErrHeader),
		errors.Is(err, zlib.ErrChecksum),
		errors.Is(err, ErrInvalidScanIndex),
		errors.Is(err, ErrUnsupportedCompression),
		errors.Is(err, ErrArrayLength),
		errors.Is(err, ErrNoSpectra),
		errors.Is(err, ErrProfileSpectrum),
		errors.As(err, &syntax),
		errors.As(err, &unmarsh),
		errors.As(err, &b64),
		errors.As(err, &num):
		return lcms.InvalidInput(path, err)
	}
	return errors.Wrap(err, path)
}
