// Package gapfill recovers features that alignment expects in a sample
// but the detector missed, by searching the sample's raw data around the
// cluster location with a relaxed intensity threshold.
package gapfill

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/lcms"
	"github.com/524D/mzalign/internal/spill"
)

// Options configures a Filler
type Options struct {
	Tolerance lcms.Tolerance
	// IntensityFactor times the sample noise level is the lowest
	// intensity that counts as signal
	IntensityFactor float64
	// MinScans is the minimum number of scans with signal in a window
	MinScans int
}

// DefaultOptions returns the default gap filling options
func DefaultOptions() Options {
	return Options{
		Tolerance:       lcms.Tolerance{MzPPM: 10, MzAbs: 0.005, RTSeconds: 10},
		IntensityFactor: 0.5,
		MinScans:        2,
	}
}

// Stats summarizes a gap filling pass
type Stats struct {
	Windows int // searched (cluster, sample) pairs
	Filled  int // features added
	// Dropped lists the paths of samples whose spill buffer could not be
	// read. They must not be used by later stages.
	Dropped []string
}

// Filler adds gap filled features to samples and clusters
type Filler struct {
	opts Options
	log  logrus.FieldLogger
}

// New creates a Filler
func New(opts Options, log logrus.FieldLogger) *Filler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Filler{opts: opts, log: log}
}

// window is the search region of one missing detection, on the sample's
// own retention time axis
type window struct {
	cluster      *align.Cluster
	mz, mzTol    float64
	rtMin, rtMax float64
	// RT ranges of the sample's own features at this m/z. Their signal
	// already belongs to another cluster.
	exclude [][2]float64
	// first and last scan searched outside the excluded ranges
	first, last float64
	searched    bool
	points      []point
}

func (w *window) excluded(rt float64) bool {
	for _, r := range w.exclude {
		if rt >= r[0] && rt <= r[1] {
			return true
		}
	}
	return false
}

type point struct {
	rt, mz, intens float64
}

// Fill searches every sample for the clusters it has no member in.
// Features are only appended to samples; existing features and
// memberships are never changed. Afterwards the low confidence flags
// of g are updated.
//
// A sample whose spill buffer fails is left unchanged and reported in
// Stats.Dropped.
func (f *Filler) Fill(ctx context.Context, g *align.Graph, samples []*lcms.ProcessedSample, onSample func()) (Stats, error) {
	var st Stats
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n, filled, err := f.fillSample(ctx, g, s)
		switch {
		case errors.Is(err, spill.ErrIOFailure):
			f.log.WithError(err).WithField("path", s.Path).Error("dropping run after spill failure")
			st.Dropped = append(st.Dropped, s.Path)
		case err != nil:
			return st, err
		}
		st.Windows += n
		st.Filled += filled
		if onSample != nil {
			onSample()
		}
	}
	g.UpdateConfidence()
	f.log.WithFields(logrus.Fields{
		"windows": st.Windows,
		"filled":  st.Filled,
		"dropped": len(st.Dropped),
	}).Info("gap filling complete")
	return st, nil
}

func (f *Filler) fillSample(ctx context.Context, g *align.Graph, s *lcms.ProcessedSample) (int, int, error) {
	drift, ok := g.Drift[s.Index]
	if !ok || s.Run == nil {
		return 0, 0, nil
	}
	tol := f.opts.Tolerance

	var windows []*window
	for _, c := range g.Clusters {
		if _, ok := c.Members[s.Index]; ok {
			continue
		}
		lo := drift.Invert(c.RT - tol.RTSeconds)
		hi := drift.Invert(c.RT + tol.RTSeconds)
		w := &window{
			cluster: c,
			mz:      c.Mz,
			mzTol:   tol.Mz(c.Mz),
			rtMin:   lo,
			rtMax:   hi,
		}
		for _, feat := range s.Features {
			if feat.RTEnd >= lo && feat.RTStart <= hi && tol.MzMatch(feat.Mz, c.Mz) {
				w.exclude = append(w.exclude, [2]float64{feat.RTStart, feat.RTEnd})
			}
		}
		windows = append(windows, w)
	}
	if len(windows) == 0 {
		return 0, 0, nil
	}
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].rtMin < windows[j].rtMin })

	threshold := f.opts.IntensityFactor * s.Noise
	scans := s.Run.MS1InRange(windows[0].rtMin, maxRT(windows))
	next := 0
	var active []*window
	order := []int{}
	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		rt := scan.RetentionTime
		for next < len(windows) && windows[next].rtMin <= rt {
			active = append(active, windows[next])
			next++
		}
		kept := active[:0]
		for _, w := range active {
			if w.rtMax >= rt {
				kept = append(kept, w)
			}
		}
		active = kept
		if len(active) == 0 {
			continue
		}

		// Each scan is read once for all windows that contain it
		peaks, err := s.Run.Peaks(scan)
		if err != nil {
			return 0, 0, err
		}
		order = order[:0]
		for i := range peaks.Mz {
			order = append(order, i)
		}
		sort.Slice(order, func(a, b int) bool { return peaks.Mz[order[a]] < peaks.Mz[order[b]] })

		for _, w := range active {
			if w.excluded(rt) {
				continue
			}
			if !w.searched {
				w.first, w.searched = rt, true
			}
			w.last = rt
			i1 := sort.Search(len(order), func(i int) bool { return peaks.Mz[order[i]] >= w.mz-w.mzTol })
			best := -1
			for _, k := range order[i1:] {
				if peaks.Mz[k] > w.mz+w.mzTol {
					break
				}
				if best < 0 || peaks.Intens[k] > peaks.Intens[best] {
					best = k
				}
			}
			if best >= 0 && peaks.Intens[best] > threshold {
				w.points = append(w.points, point{rt: rt, mz: peaks.Mz[best], intens: peaks.Intens[best]})
			}
		}
	}

	filled := 0
	for _, w := range windows {
		feat, ok := f.feature(s, w)
		if !ok {
			continue
		}
		id := s.AddFeature(feat)
		err := g.AddMember(w.cluster, align.Member{
			Sample:    s.Index,
			Feature:   id,
			Mz:        feat.Mz,
			RT:        drift.Apply(feat.RT),
			Intensity: feat.Intensity,
		})
		if err != nil {
			return 0, 0, err
		}
		filled++
	}
	f.log.WithFields(logrus.Fields{
		"sample":  s.Path,
		"windows": len(windows),
		"filled":  filled,
	}).Debug("sample gap filled")
	return len(windows), filled, nil
}

func maxRT(windows []*window) float64 {
	m := windows[0].rtMax
	for _, w := range windows[1:] {
		if w.rtMax > m {
			m = w.rtMax
		}
	}
	return m
}

func (f *Filler) feature(s *lcms.ProcessedSample, w *window) (lcms.Feature, bool) {
	n := len(w.points)
	if n < f.opts.MinScans || n == 0 {
		return lcms.Feature{}, false
	}
	rts := make([]float64, n)
	mzs := make([]float64, n)
	intens := make([]float64, n)
	apex := 0
	for i, p := range w.points {
		rts[i], mzs[i], intens[i] = p.rt, p.mz, p.intens
		if p.intens > intens[apex] {
			apex = i
		}
	}
	// An apex on the border of the searched range is the flank of a
	// peak outside the window
	if rts[apex] == w.first || rts[apex] == w.last {
		return lcms.Feature{}, false
	}
	mz := stat.Mean(mzs, intens)
	mzTol := f.opts.Tolerance.Mz(mz)
	feat := lcms.Feature{
		Mz:        mz,
		MzTol:     mzTol,
		RT:        rts[apex],
		RTStart:   rts[0],
		RTEnd:     rts[n-1],
		Intensity: intens[apex],
		Quality:   lcms.QualityGapFilled,
		MS2:       s.Run.FindMS2(mz, mzTol, rts[0], rts[n-1]),
	}
	if n >= 2 {
		feat.Area = integrate.Trapezoidal(rts, intens)
	}
	if s.Noise > 0 {
		feat.SNR = feat.Intensity / s.Noise
	}
	return feat, true
}
