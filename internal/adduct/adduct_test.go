package adduct

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/align"
)

func TestParseIonType(t *testing.T) {
	h, err := ParseIonType(" [M + H]+ ")
	require.NoError(t, err)
	assert.Equal(t, "[M+H]+", h.Name)
	assert.InDelta(t, 201.007276, h.Mz(200), 1e-6)
	assert.InDelta(t, 200, h.NeutralMass(201.00727646688), 1e-9)

	_, err = ParseIonType("[M+Xe]+")
	assert.ErrorIs(t, err, ErrUnknownIonType)

	_, err = ParseIonTypes([]string{"[M+H]+", "[M+H]+"})
	assert.Error(t, err)

	types, err := ParseIonTypes([]string{"[M+Na]+", "[M-H]-"})
	require.NoError(t, err)
	assert.Equal(t, "[M+Na]+", types[0].String())
	assert.Equal(t, -1, types[1].Charge)
}

func TestCatalogueRoundTrip(t *testing.T) {
	for _, it := range Catalogue() {
		for _, m := range []float64{100, 456.789, 1500} {
			assert.InDelta(t, m, it.NeutralMass(it.Mz(m)), 1e-9, it.Name)
		}
	}
	two, err := ParseIonType("[M+2H]2+")
	require.NoError(t, err)
	assert.InDelta(t, 101.007276, two.Mz(200), 1e-6)
	dimer, err := ParseIonType("[2M+H]+")
	require.NoError(t, err)
	assert.InDelta(t, 401.007276, dimer.Mz(200), 1e-6)
}

func cluster(id int, mz, rt float64) *align.Cluster {
	return &align.Cluster{ID: id, Mz: mz, RT: rt, Members: map[int]align.Member{}}
}

func testClusters(t *testing.T) []*align.Cluster {
	t.Helper()
	h, err := ParseIonType("[M+H]+")
	require.NoError(t, err)
	na, err := ParseIonType("[M+Na]+")
	require.NoError(t, err)
	return []*align.Cluster{
		cluster(0, h.Mz(300.1), 100),
		cluster(1, na.Mz(300.1), 100.5),
		cluster(2, 400, 500),
	}
}

func newSampler(t *testing.T, opts Options) *Sampler {
	t.Helper()
	log, _ := test.NewNullLogger()
	s, err := New(opts, log)
	require.NoError(t, err)
	return s
}

func TestAssignAdductPair(t *testing.T) {
	hyps, err := newSampler(t, DefaultOptions()).Assign(context.Background(), testClusters(t))
	require.NoError(t, err)
	require.Len(t, hyps, 3)

	want := []string{"[M+H]+", "[M+Na]+", "[M+H]+"}
	for i, h := range hyps {
		assert.Equal(t, i, h.Cluster)
		require.Len(t, h.Probabilities, 4)
		sum := 0.0
		for _, p := range h.Probabilities {
			sum += p.P
		}
		assert.InDelta(t, 1, sum, 1e-9)
		mode, p, ok := h.Mode()
		require.True(t, ok)
		assert.Equal(t, want[i], mode.Name, "cluster %d", i)
		assert.Greater(t, p, 0.0)
	}

	// Unsupported clusters keep the prior
	for _, p := range hyps[2].Probabilities {
		assert.InDelta(t, 0.25, p.P, 1e-9)
	}
	_, p0, _ := hyps[0].Mode()
	assert.Greater(t, p0, 0.35)
}

func TestAssignReproducible(t *testing.T) {
	opts := DefaultOptions()
	opts.Seed = 42
	clusters := testClusters(t)

	first, err := newSampler(t, opts).Assign(context.Background(), clusters)
	require.NoError(t, err)
	second, err := newSampler(t, opts).Assign(context.Background(), clusters)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAssignWhitelist(t *testing.T) {
	opts := DefaultOptions()
	types, err := ParseIonTypes([]string{"[M+H]+"})
	require.NoError(t, err)
	opts.IonTypes = types

	hyps, err := newSampler(t, opts).Assign(context.Background(), testClusters(t))
	require.NoError(t, err)
	for _, h := range hyps {
		require.Len(t, h.Probabilities, 1)
		assert.InDelta(t, 1, h.Probabilities[0].P, 1e-9)
	}
}

func TestAssignPriors(t *testing.T) {
	opts := DefaultOptions()
	opts.Priors = []float64{1, 5, 1, 1}
	hyps, err := newSampler(t, opts).Assign(context.Background(), []*align.Cluster{cluster(0, 400, 500)})
	require.NoError(t, err)
	mode, p, _ := hyps[0].Mode()
	assert.Equal(t, "[M+Na]+", mode.Name)
	assert.InDelta(t, 5.0/8, p, 1e-9)
}

func TestNewErrors(t *testing.T) {
	log, _ := test.NewNullLogger()
	opts := DefaultOptions()
	opts.IonTypes = nil
	_, err := New(opts, log)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Priors = []float64{1}
	_, err = New(opts, log)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Priors = []float64{1, 0, 1, 1}
	_, err = New(opts, log)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Iterations = 0
	_, err = New(opts, log)
	assert.Error(t, err)
}

func TestAssignEmptyAndCancelled(t *testing.T) {
	s := newSampler(t, DefaultOptions())
	hyps, err := s.Assign(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, hyps)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Assign(ctx, testClusters(t))
	assert.ErrorIs(t, err, context.Canceled)

	_, _, ok := Hypothesis{}.Mode()
	assert.False(t, ok)
}
