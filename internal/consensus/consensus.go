// Package consensus collapses every cluster into one consensus feature
// with a per-sample abundance table.
package consensus

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/524D/mzalign/internal/adduct"
	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/lcms"
)

// Abundance of a consensus feature in one sample. Samples without a
// member feature have Present false and zero Intensity and Area.
type Abundance struct {
	Sample    int     `json:"sample" msgpack:"sample"`
	Path      string  `json:"path" msgpack:"path"`
	Present   bool    `json:"present" msgpack:"present"`
	Intensity float64 `json:"intensity" msgpack:"intensity"`
	Area      float64 `json:"area" msgpack:"area"`
	Quality   string  `json:"quality,omitempty" msgpack:"quality,omitempty"`
}

// Feature is the merged representation of one cluster. It carries no
// identity; the store assigns one.
type Feature struct {
	Cluster       int                `json:"cluster"`
	Mz            float64            `json:"mz"`
	RT            float64            `json:"rt"`
	RTStart       float64            `json:"rt_start"`
	RTEnd         float64            `json:"rt_end"`
	IonType       adduct.IonType     `json:"ion_type"`
	NeutralMass   float64            `json:"neutral_mass"`
	Hypothesis    adduct.Hypothesis  `json:"hypothesis"`
	Abundances    []Abundance        `json:"abundances"`
	MS2           []lcms.SpectrumRef `json:"ms2"`
	LowConfidence bool               `json:"low_confidence"`
}

// Options configures a Builder
type Options struct {
	// RequireMS2 rejects clusters without any fragmentation spectrum
	RequireMS2 bool
}

// Stats counts built and rejected clusters
type Stats struct {
	Total       int
	Retained    int
	NoPrecursor int
	NoIonType   int
	NoMS2       int
}

// Rejected returns the number of clusters excluded from the output
func (s Stats) Rejected() int {
	return s.Total - s.Retained
}

// Builder constructs consensus features
type Builder struct {
	opts Options
	log  logrus.FieldLogger
}

// New creates a Builder
func New(opts Options, log logrus.FieldLogger) *Builder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{opts: opts, log: log}
}

// Build returns one consensus feature per valid cluster, in cluster
// order. hyps holds the ion type hypotheses by cluster ID. Clusters
// without a valid precursor m/z, ion type or (if required) fragmentation
// spectrum are counted and dropped.
func (b *Builder) Build(ctx context.Context, g *align.Graph, samples []*lcms.ProcessedSample,
	hyps map[int]adduct.Hypothesis, onCluster func()) ([]*Feature, Stats, error) {
	var st Stats
	var out []*Feature
	for _, c := range g.Clusters {
		if err := ctx.Err(); err != nil {
			return nil, st, err
		}
		st.Total++
		f, reason := b.build(c, g, samples, hyps)
		switch reason {
		case rejectNone:
			st.Retained++
			out = append(out, f)
		case rejectPrecursor:
			st.NoPrecursor++
		case rejectIonType:
			st.NoIonType++
		case rejectMS2:
			st.NoMS2++
		}
		if onCluster != nil {
			onCluster()
		}
	}
	b.log.WithFields(logrus.Fields{
		"total":        st.Total,
		"retained":     st.Retained,
		"rejected":     st.Rejected(),
		"no_precursor": st.NoPrecursor,
		"no_ion_type":  st.NoIonType,
		"no_ms2":       st.NoMS2,
	}).Info("consensus features built")
	return out, st, nil
}

type reject int

const (
	rejectNone reject = iota
	rejectPrecursor
	rejectIonType
	rejectMS2
)

func (b *Builder) build(c *align.Cluster, g *align.Graph, samples []*lcms.ProcessedSample,
	hyps map[int]adduct.Hypothesis) (*Feature, reject) {
	f := &Feature{
		Cluster:       c.ID,
		LowConfidence: c.LowConfidence,
		Abundances:    make([]Abundance, len(samples)),
		RTStart:       math.Inf(1),
		RTEnd:         math.Inf(-1),
	}

	var mzs, rts, w []float64
	for i, s := range samples {
		a := Abundance{Sample: s.Index, Path: s.Path}
		m, ok := c.Members[s.Index]
		if !ok || m.Feature < 0 || m.Feature >= len(s.Features) {
			f.Abundances[i] = a
			continue
		}
		feat := &s.Features[m.Feature]
		a.Present = true
		a.Intensity = feat.Intensity
		a.Area = feat.Area
		a.Quality = feat.Quality.String()
		f.Abundances[i] = a

		mzs = append(mzs, feat.Mz)
		rts = append(rts, m.RT)
		w = append(w, feat.Intensity)

		drift, ok := g.Drift[s.Index]
		if !ok {
			drift = align.Identity
		}
		f.RTStart = math.Min(f.RTStart, drift.Apply(feat.RTStart))
		f.RTEnd = math.Max(f.RTEnd, drift.Apply(feat.RTEnd))

		for _, idx := range feat.MS2 {
			ref := lcms.SpectrumRef{Sample: s.Index, Path: s.Path, Scan: idx}
			if s.Run != nil && idx >= 0 && idx < len(s.Run.Scans) {
				ref.NativeID = s.Run.Scans[idx].NativeID
			}
			f.MS2 = append(f.MS2, ref)
		}
	}

	if len(mzs) == 0 {
		return nil, rejectPrecursor
	}
	f.Mz = stat.Mean(mzs, w)
	f.RT = stat.Mean(rts, w)
	if math.IsNaN(f.Mz) || math.IsInf(f.Mz, 0) || f.Mz <= 0 {
		return nil, rejectPrecursor
	}

	h, ok := hyps[c.ID]
	if !ok {
		return nil, rejectIonType
	}
	it, _, ok := h.Mode()
	if !ok {
		return nil, rejectIonType
	}
	f.IonType = it
	f.Hypothesis = h
	f.NeutralMass = it.NeutralMass(f.Mz)
	if f.NeutralMass <= 0 {
		return nil, rejectIonType
	}

	if b.opts.RequireMS2 && len(f.MS2) == 0 {
		return nil, rejectMS2
	}
	return f, rejectNone
}
