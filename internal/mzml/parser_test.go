package mzml

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/lcms"
	"github.com/524D/mzalign/internal/spill"
)

func writeDoc(t *testing.T, f MzML) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.mzML")
	w, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Write(w))
	require.NoError(t, w.Close())
	return path
}

func TestParseRun(t *testing.T) {
	path := writeDoc(t, testDoc(t))
	buf := spill.New(t.TempDir(), nil)

	run, err := RunParser{}.Parse(context.Background(), path, buf)
	require.NoError(t, err)
	require.Len(t, run.Scans, 2)
	assert.Equal(t, path, run.Path)
	assert.Equal(t, 2, buf.Len())

	ms1 := run.MS1InRange(0, 1e9)
	require.Len(t, ms1, 1)
	assert.Equal(t, 12.5, ms1[0].RetentionTime)
	peaks, err := run.Peaks(ms1[0])
	require.NoError(t, err)
	assert.Equal(t, []float64{100.5, 699.6955}, peaks.Mz)

	ms2 := run.MS2()
	require.Len(t, ms2, 1)
	assert.Equal(t, 699.6955, ms2[0].PrecursorMz)
	assert.Equal(t, "scan=2", ms2[0].NativeID)
}

func TestParseInvalidInput(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.mzML")
	require.NoError(t, os.WriteFile(corrupt, []byte(`<?xml version="1.0"?><mzML xmlns="http://psi.hupo.org/ms/mzml"><run><spectrumList`), 0o644))
	empty := filepath.Join(dir, "empty.mzML")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	profile := New("p")
	require.NoError(t, profile.AppendSpectrum(Spectrum{MSLevel: 1, Profile: true, Mz: []float64{1}, Intens: []float64{1}}))
	profilePath := writeDoc(t, profile)

	for name, path := range map[string]string{
		"corrupt": corrupt,
		"empty":   empty,
		"missing": filepath.Join(dir, "missing.mzML"),
		"profile": profilePath,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := RunParser{}.Parse(context.Background(), path, spill.New(t.TempDir(), nil))
			assert.ErrorIs(t, err, lcms.ErrInvalidInput)
		})
	}

	_, err := RunParser{AcceptProfile: true}.Parse(context.Background(), profilePath, spill.New(t.TempDir(), nil))
	assert.NoError(t, err)
}

func TestParseAllocFailureIsNotInvalidInput(t *testing.T) {
	path := writeDoc(t, testDoc(t))
	buf := spill.New(t.TempDir(), nil)
	_, err := buf.Allocate(spill.Arrays{})
	require.NoError(t, err)
	require.NoError(t, buf.FlushToDisk())
	require.NoError(t, buf.ReleaseMemory())

	_, err = RunParser{}.Parse(context.Background(), path, buf)
	require.Error(t, err)
	assert.NotErrorIs(t, err, lcms.ErrInvalidInput)
	assert.ErrorIs(t, err, spill.ErrInvariantViolation)
}

func TestParseCancelled(t *testing.T) {
	path := writeDoc(t, testDoc(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunParser{}.Parse(ctx, path, spill.New(t.TempDir(), nil))
	assert.ErrorIs(t, err, context.Canceled)
}
