// Package detect extracts chromatographic features from the MS1 scans of
// a single run.
package detect

import (
	"context"
	"math"
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/524D/mzalign/internal/lcms"
)

// ErrNoMS1 means the run has no MS1 scans inside the detection window
var ErrNoMS1 = errors.New("no MS1 scans")

// Options configures a Detector
type Options struct {
	MinIntensity   float64
	NoiseQuantile  float64
	SketchAccuracy float64
	MinSNR         float64
	GoodSNR        float64
	MinScans       int
	MaxGapScans    int
	Tolerance      lcms.Tolerance
	RTMin, RTMax   float64
	MzMin, MzMax   float64
}

// DefaultOptions returns options that work for typical centroided
// high-resolution data
func DefaultOptions() Options {
	return Options{
		NoiseQuantile:  0.5,
		SketchAccuracy: 0.01,
		MinSNR:         3,
		GoodSNR:        10,
		MinScans:       3,
		MaxGapScans:    1,
		Tolerance:      lcms.Tolerance{MzPPM: 10, MzAbs: 0.005, RTSeconds: 10},
		RTMax:          math.MaxFloat64,
		MzMax:          math.MaxFloat64,
	}
}

// Detector finds features in runs. It holds no per-run state and may be
// shared between goroutines.
type Detector struct {
	opts Options
	log  logrus.FieldLogger
}

// New creates a Detector
func New(opts Options, log logrus.FieldLogger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{opts: opts, log: log}
}

// Options returns the detector settings
func (d *Detector) Options() Options {
	return d.opts
}

// point is one peak of a mass trace
type point struct {
	rt, mz, intens float64
}

type trace struct {
	points   []point
	mzSum    float64 // intensity weighted
	wSum     float64
	lastScan int
}

func (t *trace) mz() float64 {
	return t.mzSum / t.wSum
}

func (t *trace) add(p point, scan int) {
	t.points = append(t.points, p)
	t.mzSum += p.mz * p.intens
	t.wSum += p.intens
	t.lastScan = scan
}

// Process detects the features of run and wraps both in a sample
func (d *Detector) Process(ctx context.Context, index int, run *lcms.Run) (*lcms.ProcessedSample, error) {
	features, noise, err := d.detect(ctx, run)
	if err != nil {
		return nil, err
	}
	return &lcms.ProcessedSample{
		Index:    index,
		Path:     run.Path,
		Run:      run,
		Features: features,
		Noise:    noise,
	}, nil
}

// detect returns the features of run, ordered by retention time and m/z,
// with IDs equal to their index, and the noise level. The run's buffer
// must stay readable.
func (d *Detector) detect(ctx context.Context, run *lcms.Run) ([]lcms.Feature, float64, error) {
	unpin := run.Buffer.Pin()
	defer unpin()

	scans := run.MS1InRange(d.opts.RTMin, d.opts.RTMax)
	if len(scans) == 0 {
		return nil, 0, lcms.InvalidInput(run.Path, ErrNoMS1)
	}

	noise, err := d.Noise(ctx, run, scans)
	if err != nil {
		return nil, 0, err
	}
	threshold := math.Max(d.opts.MinIntensity, noise)

	var active, done []*trace
	order := []int{}
	for si, scan := range scans {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		peaks, err := run.Peaks(scan)
		if err != nil {
			return nil, 0, err
		}

		// Strongest peaks claim traces first
		order = order[:0]
		for i := range peaks.Mz {
			if peaks.Intens[i] > threshold && d.inMzRange(peaks.Mz[i]) {
				order = append(order, i)
			}
		}
		sort.SliceStable(order, func(a, b int) bool {
			return peaks.Intens[order[a]] > peaks.Intens[order[b]]
		})

		for _, i := range order {
			p := point{rt: scan.RetentionTime, mz: peaks.Mz[i], intens: peaks.Intens[i]}
			best := -1
			bestDiff := math.MaxFloat64
			for k, t := range active {
				if t.lastScan == si {
					continue
				}
				diff := math.Abs(t.mz() - p.mz)
				if diff <= d.opts.Tolerance.Mz(p.mz) && diff < bestDiff {
					best, bestDiff = k, diff
				}
			}
			if best < 0 {
				t := &trace{}
				t.add(p, si)
				active = append(active, t)
				continue
			}
			active[best].add(p, si)
		}

		// Close traces that missed too many scans
		kept := active[:0]
		for _, t := range active {
			if si-t.lastScan > d.opts.MaxGapScans {
				done = append(done, t)
			} else {
				kept = append(kept, t)
			}
		}
		active = kept
	}
	done = append(done, active...)

	features := make([]lcms.Feature, 0, len(done))
	for _, t := range done {
		if f, ok := d.feature(t, noise); ok {
			features = append(features, f)
		}
	}
	sort.Slice(features, func(i, j int) bool {
		if features[i].RT != features[j].RT {
			return features[i].RT < features[j].RT
		}
		return features[i].Mz < features[j].Mz
	})
	for i := range features {
		features[i].ID = i
	}
	d.attachMS2(run, features)

	d.log.WithFields(logrus.Fields{
		"run":      run.Path,
		"scans":    len(scans),
		"noise":    noise,
		"traces":   len(done),
		"features": len(features),
	}).Debug("detection complete")
	return features, noise, nil
}

// Noise estimates the noise level of a run as a quantile of all MS1
// peak intensities
func (d *Detector) Noise(ctx context.Context, run *lcms.Run, scans []lcms.Scan) (float64, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(d.opts.SketchAccuracy)
	if err != nil {
		return 0, errors.Wrap(err, "noise sketch")
	}
	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		peaks, err := run.Peaks(scan)
		if err != nil {
			return 0, err
		}
		for i, v := range peaks.Intens {
			if v > 0 && d.inMzRange(peaks.Mz[i]) {
				// Only fails for values the sketch cannot index
				_ = sketch.Add(v)
			}
		}
	}
	if sketch.IsEmpty() {
		return 1, nil
	}
	noise, err := sketch.GetValueAtQuantile(d.opts.NoiseQuantile)
	if err != nil {
		return 0, errors.Wrap(err, "noise quantile")
	}
	// Never divide by a vanishing noise level
	return math.Max(noise, 1), nil
}

func (d *Detector) inMzRange(mz float64) bool {
	return mz >= d.opts.MzMin && mz <= d.opts.MzMax
}

func (d *Detector) feature(t *trace, noise float64) (lcms.Feature, bool) {
	if len(t.points) < d.opts.MinScans {
		return lcms.Feature{}, false
	}
	n := len(t.points)
	rts := make([]float64, n)
	mzs := make([]float64, n)
	intens := make([]float64, n)
	apex := 0
	for i, p := range t.points {
		rts[i], mzs[i], intens[i] = p.rt, p.mz, p.intens
		if p.intens > intens[apex] {
			apex = i
		}
	}
	snr := intens[apex] / noise
	if snr < d.opts.MinSNR {
		return lcms.Feature{}, false
	}
	mz := stat.Mean(mzs, intens)
	f := lcms.Feature{
		Mz:        mz,
		MzTol:     d.opts.Tolerance.Mz(mz),
		RT:        rts[apex],
		RTStart:   rts[0],
		RTEnd:     rts[n-1],
		Intensity: intens[apex],
		SNR:       snr,
		Quality:   lcms.QualityLow,
	}
	if n >= 2 {
		f.Area = integrate.Trapezoidal(rts, intens)
	}
	if snr >= d.opts.GoodSNR {
		f.Quality = lcms.QualityGood
	}
	return f, true
}

// attachMS2 links every fragmentation scan to the feature closest in m/z
// whose retention time bounds contain the scan
func (d *Detector) attachMS2(run *lcms.Run, features []lcms.Feature) {
	byMz := make([]int, len(features))
	for i := range byMz {
		byMz[i] = i
	}
	sort.SliceStable(byMz, func(a, b int) bool { return features[byMz[a]].Mz < features[byMz[b]].Mz })

	for _, scan := range run.MS2() {
		if scan.PrecursorMz <= 0 {
			continue
		}
		tol := d.opts.Tolerance.Mz(scan.PrecursorMz)
		i1 := sort.Search(len(byMz), func(i int) bool {
			return features[byMz[i]].Mz >= scan.PrecursorMz-tol
		})
		best := -1
		bestDiff := math.MaxFloat64
		for _, k := range byMz[i1:] {
			f := &features[k]
			if f.Mz > scan.PrecursorMz+tol {
				break
			}
			if scan.RetentionTime < f.RTStart || scan.RetentionTime > f.RTEnd {
				continue
			}
			if diff := math.Abs(f.Mz - scan.PrecursorMz); diff < bestDiff {
				best, bestDiff = k, diff
			}
		}
		if best >= 0 {
			features[best].MS2 = append(features[best].MS2, scan.Index)
		}
	}
}
