package detect

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/lcms"
	"github.com/524D/mzalign/internal/spill"
	"github.com/524D/mzalign/internal/synth"
)

func testRun(t *testing.T, compounds ...synth.Compound) *lcms.Run {
	t.Helper()
	spec := synth.DefaultSpec()
	spec.Compounds = compounds
	run, err := synth.Run("test.mzML", spec, spill.New(t.TempDir(), nil))
	require.NoError(t, err)
	return run
}

func newDetector(opts Options) *Detector {
	log, _ := test.NewNullLogger()
	return New(opts, log)
}

func TestDetect(t *testing.T) {
	run := testRun(t,
		synth.Compound{Mz: 500, RT: 400, Height: 5e4, Width: 5},
		synth.Compound{Mz: 200, RT: 300, Height: 1e5, Width: 5},
	)
	features, _, err := newDetector(DefaultOptions()).detect(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, features, 2)

	f := features[0]
	assert.Equal(t, 0, f.ID)
	assert.InDelta(t, 200, f.Mz, 1e-4)
	assert.Equal(t, 300.0, f.RT)
	assert.Less(t, f.RTStart, 290.0)
	assert.Greater(t, f.RTEnd, 310.0)
	assert.InDelta(t, 1e5, f.Intensity, 1)
	assert.InEpsilon(t, 1e5*5*math.Sqrt(2*math.Pi), f.Area, 0.02)
	assert.Equal(t, lcms.QualityGood, f.Quality)
	assert.InDelta(t, 0.005, f.MzTol, 1e-9)
	assert.Len(t, f.MS2, 11)
	for _, idx := range f.MS2 {
		s := run.Scans[idx]
		assert.Equal(t, 2, s.MSLevel)
		assert.Equal(t, 200.0, s.PrecursorMz)
	}

	assert.Equal(t, 1, features[1].ID)
	assert.InDelta(t, 500, features[1].Mz, 1e-4)
	assert.Equal(t, 400.0, features[1].RT)
	assert.Len(t, features[1].MS2, 11)
}

func TestDetectQuality(t *testing.T) {
	run := testRun(t,
		synth.Compound{Mz: 300, RT: 200, Height: 500, Width: 5},
		synth.Compound{Mz: 400, RT: 200, Height: 250, Width: 5},
	)
	features, _, err := newDetector(DefaultOptions()).detect(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.InDelta(t, 300, features[0].Mz, 1e-4)
	assert.Equal(t, lcms.QualityLow, features[0].Quality)
	assert.Greater(t, features[0].SNR, 3.0)
}

func TestDetectRanges(t *testing.T) {
	run := testRun(t,
		synth.Compound{Mz: 200, RT: 300, Height: 1e5, Width: 5},
		synth.Compound{Mz: 500, RT: 400, Height: 1e5, Width: 5},
	)

	opts := DefaultOptions()
	opts.RTMin = 350
	features, _, err := newDetector(opts).detect(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.InDelta(t, 500, features[0].Mz, 1e-4)

	opts = DefaultOptions()
	opts.MzMax = 300
	features, _, err = newDetector(opts).detect(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.InDelta(t, 200, features[0].Mz, 1e-4)

	opts = DefaultOptions()
	opts.RTMin, opts.RTMax = 700, 800
	_, _, err = newDetector(opts).detect(context.Background(), run)
	assert.ErrorIs(t, err, lcms.ErrInvalidInput)
	assert.ErrorIs(t, err, ErrNoMS1)
}

func TestDetectSpilled(t *testing.T) {
	run := testRun(t, synth.Compound{Mz: 200, RT: 300, Height: 1e5, Width: 5})
	d := newDetector(DefaultOptions())
	want, _, err := d.detect(context.Background(), run)
	require.NoError(t, err)

	require.NoError(t, run.Buffer.FlushToDisk())
	require.NoError(t, run.Buffer.ReleaseMemory())
	require.Equal(t, spill.StateSpilled, run.Buffer.State())

	got, _, err := d.detect(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDetectCancelled(t *testing.T) {
	run := testRun(t, synth.Compound{Mz: 200, RT: 300, Height: 1e5, Width: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := newDetector(DefaultOptions()).detect(ctx, run)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoise(t *testing.T) {
	run := testRun(t)
	noise, err := newDetector(DefaultOptions()).Noise(context.Background(), run, run.MS1InRange(0, math.MaxFloat64))
	require.NoError(t, err)
	// Noise peaks are uniform in [50,150]
	assert.InDelta(t, 100, noise, 5)
}

func TestProcess(t *testing.T) {
	run := testRun(t, synth.Compound{Mz: 200, RT: 300, Height: 1e5, Width: 5})
	s, err := newDetector(DefaultOptions()).Process(context.Background(), 3, run)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Index)
	assert.Equal(t, "test.mzML", s.Path)
	assert.Same(t, run, s.Run)
	assert.Len(t, s.Features, 1)
	assert.InDelta(t, 100, s.Noise, 5)
}
