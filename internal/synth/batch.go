package synth

import (
	"math/rand"

	"github.com/524D/mzalign/internal/adduct"
)

// Batch returns n run specs that share the same analytes. Every analyte
// appears once per ion type in types, the first type being the most
// intense. Retention times drift a little further in each run.
func Batch(n, analytes int, types []adduct.IonType, seed int64) []RunSpec {
	rng := rand.New(rand.NewSource(seed))
	type analyte struct{ mass, rt, height, width float64 }
	as := make([]analyte, analytes)
	for i := range as {
		as[i] = analyte{
			mass:   150 + rng.Float64()*650,
			rt:     60 + rng.Float64()*480,
			height: 1e4 * (1 + rng.Float64()*99),
			width:  3 + rng.Float64()*3,
		}
	}

	specs := make([]RunSpec, n)
	for i := range specs {
		spec := DefaultSpec()
		spec.Seed = seed + int64(i) + 1
		slope, offset := 1+0.002*float64(i), 1.5*float64(i)
		for _, a := range as {
			for k, t := range types {
				mz := t.Mz(a.mass)
				if mz < spec.MzMin || mz > spec.MzMax {
					continue
				}
				height := a.height
				if k > 0 {
					height *= 0.3
				}
				spec.Compounds = append(spec.Compounds, Compound{
					Mz:     mz,
					RT:     a.rt*slope + offset,
					Height: height,
					Width:  a.width,
				})
			}
		}
		specs[i] = spec
	}
	return specs
}
