package lcms

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/spill"
)

func TestInvalidInput(t *testing.T) {
	cause := fmt.Errorf("unexpected EOF")
	err := InvalidInput("a.mzML", cause)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, cause)

	wrapped := errors.Wrap(err, "parse")
	assert.ErrorIs(t, wrapped, ErrInvalidInput)
	assert.Contains(t, wrapped.Error(), "a.mzML")
}

func TestRunMS1Order(t *testing.T) {
	buf := spill.New(t.TempDir(), nil)
	var scans []Scan
	for i, rt := range []float64{30, 10, 20, 15} {
		h, err := buf.Allocate(spill.Arrays{Mz: []float64{float64(i)}, Intens: []float64{1}})
		require.NoError(t, err)
		level := 1
		if rt == 15 {
			level = 2
		}
		scans = append(scans, Scan{Index: i, MSLevel: level, RetentionTime: rt, Handle: h})
	}
	r := NewRun("x", scans, buf)

	var rts []float64
	for _, s := range r.MS1InRange(0, 1e9) {
		rts = append(rts, s.RetentionTime)
	}
	assert.Equal(t, []float64{10, 20, 30}, rts)

	in := r.MS1InRange(12, 30)
	require.Len(t, in, 2)
	assert.Equal(t, 2, in[0].Index)
	assert.Equal(t, 0, in[1].Index)

	ms2 := r.MS2()
	require.Len(t, ms2, 1)
	assert.Equal(t, 3, ms2[0].Index)

	p, err := r.Peaks(in[1])
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, p.Mz)
}

func TestTolerance(t *testing.T) {
	tol := Tolerance{MzPPM: 10, MzAbs: 0.005, RTSeconds: 5}
	assert.InDelta(t, 0.005, tol.Mz(200), 1e-12)
	assert.InDelta(t, 0.01, tol.Mz(1000), 1e-12)
	assert.True(t, tol.MzMatch(200.000, 200.004))
	assert.False(t, tol.MzMatch(200.000, 200.006))
	assert.True(t, tol.RTMatch(300, 305))
	assert.False(t, tol.RTMatch(300, 305.1))
}

func TestSortSamples(t *testing.T) {
	s := []*ProcessedSample{{Path: "c"}, {Path: "a"}, {Path: "b"}}
	SortSamples(s)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, s[i].Path)
		assert.Equal(t, i, s[i].Index)
	}
}

func TestAddFeature(t *testing.T) {
	var s ProcessedSample
	assert.Equal(t, 0, s.AddFeature(Feature{Mz: 1}))
	assert.Equal(t, 1, s.AddFeature(Feature{Mz: 2, ID: 99}))
	assert.Equal(t, 1, s.Features[1].ID)
}

func TestFindMS2(t *testing.T) {
	scans := []Scan{
		{Index: 0, MSLevel: 1, RetentionTime: 10},
		{Index: 1, MSLevel: 2, RetentionTime: 10.5, PrecursorMz: 200.001},
		{Index: 2, MSLevel: 2, RetentionTime: 10.6, PrecursorMz: 300},
		{Index: 3, MSLevel: 2, RetentionTime: 30, PrecursorMz: 200},
		{Index: 4, MSLevel: 2, RetentionTime: 11},
	}
	r := NewRun("x", scans, nil)
	assert.Equal(t, []int{1}, r.FindMS2(200, 0.005, 5, 15))
	assert.Equal(t, []int{1, 3}, r.FindMS2(200, 0.005, 0, 60))
	assert.Empty(t, r.FindMS2(250, 0.005, 0, 60))
}
