// Package align groups the features of independently processed samples
// into clusters that represent the same analyte.
//
// Samples are merged one at a time into a running reference axis: the
// first sample seeds the clusters, every following sample is drift
// corrected against the clusters built so far and then matched into them.
package align

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/524D/mzalign/internal/lcms"
)

var (
	// ErrDuplicateSample means two samples share an index
	ErrDuplicateSample = errors.New("align: duplicate sample index")
	// ErrSlotTaken means a cluster already has a member from the sample
	ErrSlotTaken = errors.New("align: sample already has a member in cluster")
	// ErrAssigned means the feature already belongs to a cluster
	ErrAssigned = errors.New("align: feature already assigned")
)

// Options configures an Aligner
type Options struct {
	Tolerance lcms.Tolerance
	// MinAnchors is the minimum number of anchor pairs for a drift fit.
	// With fewer anchors the sample is not corrected.
	MinAnchors int
	// MaxDrift is the retention time window in seconds used to find
	// anchors before correction
	MaxDrift float64
}

// DefaultOptions returns the default alignment options
func DefaultOptions() Options {
	return Options{
		Tolerance:  lcms.Tolerance{MzPPM: 10, MzAbs: 0.005, RTSeconds: 10},
		MinAnchors: 5,
		MaxDrift:   60,
	}
}

// Member is a feature assigned to a cluster
type Member struct {
	Sample    int
	Feature   int     // lcms.Feature.ID
	Mz        float64 // feature m/z
	RT        float64 // feature apex on the reference axis
	Intensity float64
}

// Cluster groups equivalent features, at most one per sample
type Cluster struct {
	ID            int
	Mz            float64 // intensity weighted mean of members
	RT            float64 // intensity weighted mean on the reference axis
	Members       map[int]Member
	LowConfidence bool
}

// SampleIDs returns the indices of contributing samples in ascending order
func (c *Cluster) SampleIDs() []int {
	ids := make([]int, 0, len(c.Members))
	for id := range c.Members {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// update recomputes the cluster center from its members
func (c *Cluster) update() {
	ids := c.SampleIDs()
	mzs := make([]float64, len(ids))
	rts := make([]float64, len(ids))
	w := make([]float64, len(ids))
	for i, id := range ids {
		m := c.Members[id]
		mzs[i], rts[i], w[i] = m.Mz, m.RT, m.Intensity
	}
	c.Mz = stat.Mean(mzs, w)
	c.RT = stat.Mean(rts, w)
}

// Drift maps a sample's retention times onto the reference axis:
// reference = Intercept + Slope*rt
type Drift struct {
	Intercept float64
	Slope     float64
	Anchors   int // number of anchors used for the fit, 0 if not fitted
}

// Identity is the drift of an uncorrected sample
var Identity = Drift{Slope: 1}

// Apply maps a sample retention time onto the reference axis
func (d Drift) Apply(rt float64) float64 {
	return d.Intercept + d.Slope*rt
}

// Invert maps a reference retention time back onto the sample's axis
func (d Drift) Invert(rt float64) float64 {
	return (rt - d.Intercept) / d.Slope
}

type featureKey struct {
	sample, feature int
}

// Graph is the result of alignment
type Graph struct {
	Clusters []*Cluster
	// Drift per sample index
	Drift    map[int]Drift
	assigned map[featureKey]int
}

func newGraph() *Graph {
	return &Graph{
		Drift:    map[int]Drift{},
		assigned: map[featureKey]int{},
	}
}

// ClusterOf returns the cluster a feature belongs to
func (g *Graph) ClusterOf(sample, feature int) (*Cluster, bool) {
	id, ok := g.assigned[featureKey{sample, feature}]
	if !ok {
		return nil, false
	}
	return g.Clusters[id], true
}

// AddMember inserts a feature into an existing cluster and recomputes
// the cluster center. The sample's slot must be free and the feature
// unassigned.
func (g *Graph) AddMember(c *Cluster, m Member) error {
	if _, ok := c.Members[m.Sample]; ok {
		return ErrSlotTaken
	}
	k := featureKey{m.Sample, m.Feature}
	if _, ok := g.assigned[k]; ok {
		return ErrAssigned
	}
	c.Members[m.Sample] = m
	g.assigned[k] = c.ID
	c.update()
	return nil
}

// UpdateConfidence flags clusters with members from fewer than two samples
func (g *Graph) UpdateConfidence() {
	for _, c := range g.Clusters {
		c.LowConfidence = len(c.Members) < 2
	}
}

func (g *Graph) newCluster(m Member) *Cluster {
	c := &Cluster{
		ID:      len(g.Clusters),
		Members: map[int]Member{},
	}
	g.Clusters = append(g.Clusters, c)
	c.Members[m.Sample] = m
	g.assigned[featureKey{m.Sample, m.Feature}] = c.ID
	c.update()
	return c
}

// Aligner builds cluster graphs
type Aligner struct {
	opts Options
	log  logrus.FieldLogger
}

// New creates an Aligner
func New(opts Options, log logrus.FieldLogger) *Aligner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Aligner{opts: opts, log: log}
}

// Align clusters the features of samples. Samples are merged in the
// given order, so the result is reproducible only for a stable order
// (see lcms.SortSamples). The samples are not modified.
func (a *Aligner) Align(ctx context.Context, samples []*lcms.ProcessedSample, onSample func()) (*Graph, error) {
	g := newGraph()
	for i, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := g.Drift[s.Index]; ok {
			return nil, errors.Wrapf(ErrDuplicateSample, "sample %d", s.Index)
		}
		drift := Identity
		if i > 0 {
			drift = a.fitDrift(g, s)
		}
		g.Drift[s.Index] = drift
		a.merge(g, s, drift)
		if onSample != nil {
			onSample()
		}
	}
	g.UpdateConfidence()

	low := 0
	for _, c := range g.Clusters {
		if c.LowConfidence {
			low++
		}
	}
	a.log.WithFields(logrus.Fields{
		"samples":        len(samples),
		"clusters":       len(g.Clusters),
		"low_confidence": low,
	}).Info("alignment complete")
	return g, nil
}

// byMz is a view of clusters ordered by m/z for window searches
type byMz []*Cluster

func newByMz(clusters []*Cluster) byMz {
	v := make(byMz, len(clusters))
	copy(v, clusters)
	sort.SliceStable(v, func(i, j int) bool { return v[i].Mz < v[j].Mz })
	return v
}

// window returns the clusters with m/z in [mz-tol, mz+tol]
func (v byMz) window(mz, tol float64) []*Cluster {
	i1 := sort.Search(len(v), func(i int) bool { return v[i].Mz >= mz-tol })
	i2 := sort.Search(len(v), func(i int) bool { return v[i].Mz > mz+tol })
	return v[i1:i2]
}

// intensityOrder returns feature indices by descending intensity, ties by ID
func intensityOrder(features []lcms.Feature) []int {
	order := make([]int, len(features))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		fi, fj := &features[order[i]], &features[order[j]]
		if fi.Intensity != fj.Intensity {
			return fi.Intensity > fj.Intensity
		}
		return fi.ID < fj.ID
	})
	return order
}

// merge matches the features of s into the existing clusters. Clusters
// created for s are not candidates for other features of s.
func (a *Aligner) merge(g *Graph, s *lcms.ProcessedSample, drift Drift) {
	tol := a.opts.Tolerance
	index := newByMz(g.Clusters)
	touched := map[int]bool{}

	for _, fi := range intensityOrder(s.Features) {
		f := &s.Features[fi]
		m := Member{
			Sample:    s.Index,
			Feature:   f.ID,
			Mz:        f.Mz,
			RT:        drift.Apply(f.RT),
			Intensity: f.Intensity,
		}

		var best *Cluster
		bestScore := math.MaxFloat64
		mzTol := tol.Mz(f.Mz)
		for _, c := range index.window(f.Mz, mzTol) {
			if !tol.RTMatch(c.RT, m.RT) {
				continue
			}
			dmz := (c.Mz - m.Mz) / mzTol
			drt := (c.RT - m.RT) / tol.RTSeconds
			score := dmz*dmz + drt*drt
			if best == nil || score < bestScore || (score == bestScore && c.ID < best.ID) {
				best, bestScore = c, score
			}
		}

		// A more intense feature of this sample already took the slot
		if best == nil || touched[best.ID] {
			g.newCluster(m)
			continue
		}
		best.Members[m.Sample] = m
		g.assigned[featureKey{m.Sample, m.Feature}] = best.ID
		touched[best.ID] = true
	}

	// Centers move only after the whole sample is merged
	for id := range touched {
		g.Clusters[id].update()
	}
}

// fitDrift estimates the retention time drift of s against the reference
// axis from anchors: features that match exactly one cluster within the
// m/z tolerance and MaxDrift, where that cluster matches no other feature
// of s.
func (a *Aligner) fitDrift(g *Graph, s *lcms.ProcessedSample) Drift {
	tol := a.opts.Tolerance
	index := newByMz(g.Clusters)

	candidates := make([][]*Cluster, len(s.Features))
	hits := map[int]int{}
	for i := range s.Features {
		f := &s.Features[i]
		for _, c := range index.window(f.Mz, tol.Mz(f.Mz)) {
			if math.Abs(c.RT-f.RT) <= a.opts.MaxDrift {
				candidates[i] = append(candidates[i], c)
				hits[c.ID]++
			}
		}
	}

	var x, y, w []float64
	for i, cs := range candidates {
		if len(cs) != 1 || hits[cs[0].ID] != 1 {
			continue
		}
		x = append(x, s.Features[i].RT)
		y = append(y, cs[0].RT)
		w = append(w, s.Features[i].Intensity)
	}

	log := a.log.WithFields(logrus.Fields{"sample": s.Path, "anchors": len(x)})
	if len(x) < a.opts.MinAnchors || len(x) < 2 {
		log.Debug("too few anchors, no drift correction")
		return Identity
	}
	alpha, beta := stat.LinearRegression(x, y, w, false)
	if math.IsNaN(alpha) || math.IsNaN(beta) || math.IsInf(beta, 0) || beta <= 0 {
		log.Warn("drift fit failed, no drift correction")
		return Identity
	}
	log.WithFields(logrus.Fields{"intercept": alpha, "slope": beta}).Debug("drift corrected")
	return Drift{Intercept: alpha, Slope: beta, Anchors: len(x)}
}
