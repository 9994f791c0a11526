// Package lcms defines the data shared by all stages of the alignment
// engine: runs, detected features and processed samples.
package lcms

import (
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/524D/mzalign/internal/spill"
)

// ErrInvalidInput marks a run that is malformed or unsupported. Such a run
// is skipped; the rest of the batch continues.
var ErrInvalidInput = errors.New("invalid input data")

// InvalidInput wraps err so that errors.Is(err, ErrInvalidInput) holds
func InvalidInput(path string, err error) error {
	return &invalidInputError{path: path, err: err}
}

type invalidInputError struct {
	path string
	err  error
}

func (e *invalidInputError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.path, ErrInvalidInput, e.err)
}

func (e *invalidInputError) Is(target error) bool { return target == ErrInvalidInput }
func (e *invalidInputError) Unwrap() error        { return e.err }

// Scan holds the metadata of one spectrum. The peaks are kept in the
// spill buffer of the run.
type Scan struct {
	Index         int    // position in the input file
	NativeID      string // id as written in the input file
	MSLevel       int
	RetentionTime float64 // seconds
	PrecursorMz   float64 // MS2 only, 0 if unknown
	Handle        spill.Handle
}

// Run is the parsed content of one input file
type Run struct {
	Path   string
	Scans  []Scan
	Buffer *spill.Buffer
	ms1    []int // indices into Scans of MS1 scans, ordered by retention time
}

// NewRun creates a run and indexes its MS1 scans
func NewRun(path string, scans []Scan, buf *spill.Buffer) *Run {
	r := &Run{Path: path, Scans: scans, Buffer: buf}
	for i, s := range scans {
		if s.MSLevel == 1 {
			r.ms1 = append(r.ms1, i)
		}
	}
	sort.SliceStable(r.ms1, func(i, j int) bool {
		return scans[r.ms1[i]].RetentionTime < scans[r.ms1[j]].RetentionTime
	})
	return r
}

// MS1InRange returns the MS1 scans with retention time in [rtMin, rtMax]
func (r *Run) MS1InRange(rtMin, rtMax float64) []Scan {
	i1 := sort.Search(len(r.ms1), func(i int) bool { return r.Scans[r.ms1[i]].RetentionTime >= rtMin })
	i2 := sort.Search(len(r.ms1), func(i int) bool { return r.Scans[r.ms1[i]].RetentionTime > rtMax })
	out := make([]Scan, 0, i2-i1)
	for _, k := range r.ms1[i1:i2] {
		out = append(out, r.Scans[k])
	}
	return out
}

// MS2 returns all fragmentation scans in file order
func (r *Run) MS2() []Scan {
	var out []Scan
	for _, s := range r.Scans {
		if s.MSLevel == 2 {
			out = append(out, s)
		}
	}
	return out
}

// FindMS2 returns the Scan.Index of fragmentation scans with precursor
// m/z within mzTol of mz and retention time in [rtMin, rtMax]
func (r *Run) FindMS2(mz, mzTol, rtMin, rtMax float64) []int {
	var out []int
	for _, s := range r.Scans {
		if s.MSLevel != 2 || s.PrecursorMz <= 0 {
			continue
		}
		if math.Abs(s.PrecursorMz-mz) <= mzTol && s.RetentionTime >= rtMin && s.RetentionTime <= rtMax {
			out = append(out, s.Index)
		}
	}
	return out
}

// Peaks reads the peak arrays of a scan from the buffer
func (r *Run) Peaks(s Scan) (spill.Arrays, error) {
	return r.Buffer.Read(s.Handle)
}

// Quality of a detected feature
type Quality int

const (
	QualityLow Quality = iota
	QualityGood
	// QualityGapFilled marks features recovered by gap filling
	QualityGapFilled
)

var qualityNames = map[Quality]string{
	QualityLow:       "low",
	QualityGood:      "good",
	QualityGapFilled: "gap-filled",
}

func (q Quality) String() string {
	if n, ok := qualityNames[q]; ok {
		return n
	}
	return "unknown"
}

// Feature is a chromatographic peak in one sample
type Feature struct {
	ID        int // index in ProcessedSample.Features
	Mz        float64
	MzTol     float64
	RT        float64 // apex retention time
	RTStart   float64
	RTEnd     float64
	Intensity float64 // apex intensity
	Area      float64
	SNR       float64
	Quality   Quality
	MS2       []int // Scan.Index of associated fragmentation spectra
}

// ProcessedSample is a run together with its detected features
type ProcessedSample struct {
	Index    int // position in the batch after sorting by path
	Path     string
	Run      *Run
	Features []Feature
	Noise    float64 // MS1 noise level found by detection
}

// AddFeature appends f, assigns its ID and returns it
func (s *ProcessedSample) AddFeature(f Feature) int {
	f.ID = len(s.Features)
	s.Features = append(s.Features, f)
	return f.ID
}

// SpectrumRef points to a fragmentation spectrum of a sample
type SpectrumRef struct {
	Sample   int    `json:"sample" msgpack:"sample"`
	Path     string `json:"path" msgpack:"path"`
	Scan     int    `json:"scan" msgpack:"scan"`
	NativeID string `json:"native_id" msgpack:"native_id"`
}

// SortSamples orders samples by source path and assigns their indices.
// Alignment is deterministic only over a stable sample order.
func SortSamples(samples []*ProcessedSample) {
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Path < samples[j].Path })
	for i, s := range samples {
		s.Index = i
	}
}
