// Package adduct assigns ion types to clusters by Gibbs sampling.
//
// Each cluster has a latent ion type. Two co-eluting clusters support each
// other when their neutral masses agree under two different ion types, as
// for the [M+H]+ and [M+Na]+ ions of one compound. The sampler visits the
// clusters in ID order and redraws each ion type from its conditional
// distribution given the current types of all other clusters.
package adduct

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/lcms"
)

// Options configures a Sampler
type Options struct {
	// IonTypes is the whitelist; only these types are considered
	IonTypes  []IonType
	Tolerance lcms.Tolerance
	// Priors per entry of IonTypes; nil means uniform
	Priors       []float64
	Seed         int64
	Iterations   int
	BurnIn       int
	CompatWeight float64
}

// DefaultOptions returns options for positive mode data
func DefaultOptions() Options {
	types, _ := ParseIonTypes([]string{"[M+H]+", "[M+Na]+", "[M+K]+", "[M+NH4]+"})
	return Options{
		IonTypes:     types,
		Tolerance:    lcms.Tolerance{MzPPM: 10, MzAbs: 0.005, RTSeconds: 10},
		Seed:         1,
		Iterations:   1000,
		BurnIn:       100,
		CompatWeight: 2,
	}
}

// Probability of one ion type
type Probability struct {
	IonType IonType `json:"ion_type" msgpack:"ion_type"`
	P       float64 `json:"p" msgpack:"p"`
}

// Hypothesis is the estimated ion type distribution of a cluster.
// Probabilities follow the order of the whitelist.
type Hypothesis struct {
	Cluster       int           `json:"cluster" msgpack:"cluster"`
	Probabilities []Probability `json:"probabilities" msgpack:"probabilities"`
}

// Mode returns the most probable ion type. Ties are resolved by
// whitelist order.
func (h Hypothesis) Mode() (IonType, float64, bool) {
	best := -1
	for i, p := range h.Probabilities {
		if best < 0 || p.P > h.Probabilities[best].P {
			best = i
		}
	}
	if best < 0 {
		return IonType{}, 0, false
	}
	return h.Probabilities[best].IonType, h.Probabilities[best].P, true
}

// edge: cluster i has type a while cluster j has type b
type edge struct {
	j, b int
	w    float64
}

// Sampler runs the Gibbs sampler
type Sampler struct {
	opts      Options
	logPriors []float64
	log       logrus.FieldLogger
}

// New creates a Sampler
func New(opts Options, log logrus.FieldLogger) (*Sampler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	k := len(opts.IonTypes)
	if k == 0 {
		return nil, errors.New("adduct: empty ion type whitelist")
	}
	if opts.Iterations < 1 {
		return nil, errors.New("adduct: iterations must be positive")
	}
	priors := opts.Priors
	if priors == nil {
		priors = make([]float64, k)
		for i := range priors {
			priors[i] = 1
		}
	}
	if len(priors) != k {
		return nil, errors.Errorf("adduct: %d priors for %d ion types", len(priors), k)
	}
	sum := floats.Sum(priors)
	logPriors := make([]float64, k)
	for i, p := range priors {
		if p <= 0 {
			return nil, errors.Errorf("adduct: prior of %s must be positive", opts.IonTypes[i].Name)
		}
		logPriors[i] = math.Log(p / sum)
	}
	return &Sampler{opts: opts, logPriors: logPriors, log: log}, nil
}

// Assign returns one hypothesis per cluster, in the order of clusters.
// The result depends only on the clusters and the options; the same seed
// gives identical hypotheses.
func (s *Sampler) Assign(ctx context.Context, clusters []*align.Cluster) ([]Hypothesis, error) {
	n := len(clusters)
	k := len(s.opts.IonTypes)
	edges := s.edges(clusters)

	rng := rand.New(rand.NewSource(s.opts.Seed))
	z := make([]int, n)
	for i := range z {
		z[i] = floats.MaxIdx(s.logPriors)
	}
	sums := make([][]float64, n)
	for i := range sums {
		sums[i] = make([]float64, k)
	}
	score := make([]float64, k)
	p := make([]float64, k)

	total := s.opts.BurnIn + s.opts.Iterations
	changed := 0
	for sweep := 0; sweep < total; sweep++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed = 0
		for i := 0; i < n; i++ {
			copy(score, s.logPriors)
			for a := 0; a < k; a++ {
				for _, e := range edges[i][a] {
					if z[e.j] == e.b {
						score[a] += s.opts.CompatWeight * e.w
					}
				}
			}
			norm := floats.LogSumExp(score)
			for a := range p {
				p[a] = math.Exp(score[a] - norm)
			}
			next := draw(rng, p)
			if next != z[i] {
				changed++
				z[i] = next
			}
			// Average the conditionals instead of counting draws
			if sweep >= s.opts.BurnIn {
				floats.Add(sums[i], p)
			}
		}
		if (sweep+1)%100 == 0 {
			s.log.WithFields(logrus.Fields{
				"sweep":       sweep + 1,
				"change_rate": rate(changed, n),
			}).Debug("gibbs sweep")
		}
	}

	out := make([]Hypothesis, n)
	for i, c := range clusters {
		h := Hypothesis{Cluster: c.ID, Probabilities: make([]Probability, k)}
		for a, t := range s.opts.IonTypes {
			h.Probabilities[a] = Probability{IonType: t, P: sums[i][a] / float64(s.opts.Iterations)}
		}
		out[i] = h
	}
	s.log.WithFields(logrus.Fields{
		"clusters":    n,
		"sweeps":      total,
		"change_rate": rate(changed, n),
	}).Info("ion type assignment complete")
	return out, nil
}

func rate(changed, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(changed) / float64(n)
}

func draw(rng *rand.Rand, p []float64) int {
	u := rng.Float64()
	for a, v := range p {
		u -= v
		if u < 0 {
			return a
		}
	}
	return len(p) - 1
}

// edges returns for every cluster i and ion type a the clusters j and
// types b that explain i's neutral mass under a
func (s *Sampler) edges(clusters []*align.Cluster) [][][]edge {
	n := len(clusters)
	k := len(s.opts.IonTypes)
	tol := s.opts.Tolerance

	byRT := make([]int, n)
	for i := range byRT {
		byRT[i] = i
	}
	sort.SliceStable(byRT, func(a, b int) bool { return clusters[byRT[a]].RT < clusters[byRT[b]].RT })

	mass := make([][]float64, n)
	for i, c := range clusters {
		mass[i] = make([]float64, k)
		for a, t := range s.opts.IonTypes {
			mass[i][a] = t.NeutralMass(c.Mz)
		}
	}

	out := make([][][]edge, n)
	for i := range out {
		out[i] = make([][]edge, k)
	}
	for x, i := range byRT {
		for _, j := range byRT[x+1:] {
			drt := clusters[j].RT - clusters[i].RT
			if drt > tol.RTSeconds {
				break
			}
			w := 1 - drt/tol.RTSeconds
			for a := 0; a < k; a++ {
				for b := 0; b < k; b++ {
					if a == b || !tol.MzMatch(mass[i][a], mass[j][b]) {
						continue
					}
					out[i][a] = append(out[i][a], edge{j: j, b: b, w: w})
					out[j][b] = append(out[j][b], edge{j: i, b: a, w: w})
				}
			}
		}
	}
	return out
}
