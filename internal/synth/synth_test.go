package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/adduct"
	"github.com/524D/mzalign/internal/spill"
)

func TestSpectra(t *testing.T) {
	spec := DefaultSpec()
	spec.Compounds = []Compound{{Mz: 300, RT: 100, Height: 1e5, Width: 2}}
	spectra := Spectra(spec)

	ms1, ms2 := 0, 0
	for _, s := range spectra {
		switch s.MSLevel {
		case 1:
			ms1++
			for i := 1; i < len(s.Mz); i++ {
				require.LessOrEqual(t, s.Mz[i-1], s.Mz[i], "peaks sorted by m/z")
			}
		case 2:
			ms2++
			assert.Equal(t, 300.0, s.PrecursorMz)
			assert.InDelta(t, 100, s.RetentionTime, 3)
		}
	}
	assert.Equal(t, 601, ms1)
	assert.Equal(t, 5, ms2)

	assert.Nil(t, Spectra(RunSpec{}))
}

func TestRun(t *testing.T) {
	spec := DefaultSpec()
	spec.Compounds = []Compound{{Mz: 300, RT: 100, Height: 1e5, Width: 2}}
	buf := spill.New(t.TempDir(), nil)
	run, err := Run("x.mzML", spec, buf)
	require.NoError(t, err)
	assert.Len(t, run.MS1InRange(0, 1e9), 601)
	assert.Len(t, run.MS2(), 5)
	assert.Equal(t, len(run.Scans), buf.Len())
	assert.Equal(t, "scan=1", run.Scans[0].NativeID)
}

func TestBatch(t *testing.T) {
	types, err := adduct.ParseIonTypes([]string{"[M+H]+", "[M+Na]+"})
	require.NoError(t, err)
	specs := Batch(3, 10, types, 7)
	require.Len(t, specs, 3)
	require.Len(t, specs[0].Compounds, 20)
	for i := 1; i < len(specs); i++ {
		require.Len(t, specs[i].Compounds, 20)
		assert.NotEqual(t, specs[0].Seed, specs[i].Seed)
		for k, c := range specs[i].Compounds {
			assert.Equal(t, specs[0].Compounds[k].Mz, c.Mz)
			assert.Greater(t, c.RT, specs[0].Compounds[k].RT, "retention times drift")
		}
	}
	// Adduct pairs share the neutral mass
	h, na := specs[0].Compounds[0], specs[0].Compounds[1]
	assert.InDelta(t, types[0].NeutralMass(h.Mz), types[1].NeutralMass(na.Mz), 1e-9)
	assert.Equal(t, h.RT, na.RT)
	assert.Equal(t, Batch(3, 10, types, 7), specs)
}
