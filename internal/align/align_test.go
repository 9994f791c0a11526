package align

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/lcms"
)

func feat(mz, rt, intens float64) lcms.Feature {
	return lcms.Feature{Mz: mz, RT: rt, RTStart: rt - 5, RTEnd: rt + 5, Intensity: intens}
}

func sample(idx int, features ...lcms.Feature) *lcms.ProcessedSample {
	s := &lcms.ProcessedSample{Index: idx, Path: "run" + string(rune('a'+idx))}
	for _, f := range features {
		s.AddFeature(f)
	}
	return s
}

func newAligner(opts Options) *Aligner {
	log, _ := test.NewNullLogger()
	return New(opts, log)
}

func TestAlignOneAnalyteAcrossRuns(t *testing.T) {
	const n = 6
	var samples []*lcms.ProcessedSample
	for i := 0; i < n; i++ {
		sign := float64(1 - 2*(i%2))
		samples = append(samples, sample(i, feat(200+sign*0.002, 300+sign*2, 1000+float64(i))))
	}

	g, err := newAligner(DefaultOptions()).Align(context.Background(), samples, nil)
	require.NoError(t, err)
	require.Len(t, g.Clusters, 1)
	c := g.Clusters[0]
	assert.Len(t, c.Members, n)
	assert.False(t, c.LowConfidence)
	assert.InDelta(t, 200, c.Mz, 0.002)
	assert.InDelta(t, 300, c.RT, 2)
}

func TestAlignNoDoubleAssignment(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var samples []*lcms.ProcessedSample
	total := 0
	for i := 0; i < 4; i++ {
		var fs []lcms.Feature
		// Dense features so that many fall into shared windows
		for k := 0; k < 200; k++ {
			fs = append(fs, feat(200+rng.Float64()*0.5, 100+rng.Float64()*100, 1+rng.Float64()*1000))
		}
		total += len(fs)
		samples = append(samples, sample(i, fs...))
	}

	g, err := newAligner(DefaultOptions()).Align(context.Background(), samples, nil)
	require.NoError(t, err)

	seen := map[featureKey]int{}
	members := 0
	for _, c := range g.Clusters {
		for sid, m := range c.Members {
			require.Equal(t, sid, m.Sample)
			k := featureKey{m.Sample, m.Feature}
			if prev, ok := seen[k]; ok {
				t.Fatalf("feature %v in clusters %d and %d", k, prev, c.ID)
			}
			seen[k] = c.ID
			members++
			got, ok := g.ClusterOf(m.Sample, m.Feature)
			require.True(t, ok)
			assert.Equal(t, c.ID, got.ID)
		}
	}
	assert.Equal(t, total, members, "every feature is assigned")
}

func TestAlignDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	var samples []*lcms.ProcessedSample
	for i := 0; i < 5; i++ {
		var fs []lcms.Feature
		for k := 0; k < 100; k++ {
			fs = append(fs, feat(100+rng.Float64()*10, rng.Float64()*600, rng.Float64()*1e4))
		}
		samples = append(samples, sample(i, fs...))
	}

	a := newAligner(DefaultOptions())
	g1, err := a.Align(context.Background(), samples, nil)
	require.NoError(t, err)
	g2, err := a.Align(context.Background(), samples, nil)
	require.NoError(t, err)

	if diff := cmp.Diff(g1.Clusters, g2.Clusters); diff != "" {
		t.Errorf("clusters differ between runs (-first +second):\n%s", diff)
	}
	assert.Equal(t, g1.Drift, g2.Drift)
}

func TestAlignTieBreak(t *testing.T) {
	samples := []*lcms.ProcessedSample{
		sample(0, feat(200, 300, 1000)),
		sample(1, feat(200.0005, 301, 500), feat(200.0008, 299, 900)),
	}

	g, err := newAligner(DefaultOptions()).Align(context.Background(), samples, nil)
	require.NoError(t, err)
	require.Len(t, g.Clusters, 2)

	// The more intense feature takes the slot
	c0 := g.Clusters[0]
	require.Len(t, c0.Members, 2)
	assert.Equal(t, 1, c0.Members[1].Feature)
	assert.False(t, c0.LowConfidence)

	c1 := g.Clusters[1]
	require.Len(t, c1.Members, 1)
	assert.Equal(t, 0, c1.Members[1].Feature)
	assert.True(t, c1.LowConfidence)
}

func TestAlignDrift(t *testing.T) {
	var ref, shifted []lcms.Feature
	for i := 0; i < 10; i++ {
		mz := 100 + float64(i)*50
		rt := 100 + float64(i)*50
		ref = append(ref, feat(mz, rt, 1000))
		shifted = append(shifted, feat(mz, rt*1.02+30, 1000))
	}
	samples := []*lcms.ProcessedSample{sample(0, ref...), sample(1, shifted...)}

	g, err := newAligner(DefaultOptions()).Align(context.Background(), samples, nil)
	require.NoError(t, err)
	require.Len(t, g.Clusters, 10)
	for _, c := range g.Clusters {
		assert.Len(t, c.Members, 2)
	}
	d := g.Drift[1]
	assert.Equal(t, 10, d.Anchors)
	assert.InDelta(t, 1/1.02, d.Slope, 1e-9)
	assert.InDelta(t, 250, d.Invert(d.Apply(250)), 1e-9)
	assert.Equal(t, Identity, g.Drift[0])

	// Without enough anchors the sample stays uncorrected
	opts := DefaultOptions()
	opts.MinAnchors = 11
	g, err = newAligner(opts).Align(context.Background(), samples, nil)
	require.NoError(t, err)
	assert.Equal(t, Identity, g.Drift[1])
	assert.Greater(t, len(g.Clusters), 10)
}

func TestAlignErrors(t *testing.T) {
	a := newAligner(DefaultOptions())
	_, err := a.Align(context.Background(), []*lcms.ProcessedSample{sample(0), sample(0)}, nil)
	assert.ErrorIs(t, err, ErrDuplicateSample)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Align(ctx, []*lcms.ProcessedSample{sample(0)}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAlignEmpty(t *testing.T) {
	calls := 0
	g, err := newAligner(DefaultOptions()).Align(context.Background(),
		[]*lcms.ProcessedSample{sample(0), sample(1)}, func() { calls++ })
	require.NoError(t, err)
	assert.Empty(t, g.Clusters)
	assert.Equal(t, 2, calls)
}

func TestAddMember(t *testing.T) {
	g, err := newAligner(DefaultOptions()).Align(context.Background(),
		[]*lcms.ProcessedSample{sample(0, feat(200, 300, 100))}, nil)
	require.NoError(t, err)
	c := g.Clusters[0]
	require.True(t, c.LowConfidence)

	err = g.AddMember(c, Member{Sample: 0, Feature: 7, Mz: 200, RT: 300, Intensity: 100})
	assert.ErrorIs(t, err, ErrSlotTaken)

	require.NoError(t, g.AddMember(c, Member{Sample: 1, Feature: 0, Mz: 200.002, RT: 302, Intensity: 100}))
	assert.InDelta(t, 200.001, c.Mz, 1e-9)
	assert.InDelta(t, 301, c.RT, 1e-9)
	err = g.AddMember(c, Member{Sample: 1, Feature: 0})
	assert.ErrorIs(t, err, ErrSlotTaken)

	g.UpdateConfidence()
	assert.False(t, c.LowConfidence)
	assert.Equal(t, []int{0, 1}, c.SampleIDs())
}
