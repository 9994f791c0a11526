// Package synth generates synthetic LC-MS runs with known compounds.
// The runs serve as test fixtures and as demo input for the CLI.
package synth

import (
	"bufio"
	"math"
	"math/rand"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/524D/mzalign/internal/lcms"
	"github.com/524D/mzalign/internal/mzml"
	"github.com/524D/mzalign/internal/spill"
)

// Compound is a chromatographic peak with Gaussian elution profile
type Compound struct {
	Mz     float64
	RT     float64 // apex, seconds
	Height float64
	Width  float64 // standard deviation, seconds
}

// RunSpec describes a synthetic run
type RunSpec struct {
	Compounds    []Compound
	RTStart      float64
	RTEnd        float64
	ScanInterval float64 // seconds between MS1 scans
	// NoisePeaks random peaks per scan with intensity in
	// [NoiseLevel/2, 3*NoiseLevel/2]
	NoisePeaks int
	NoiseLevel float64
	MzMin      float64
	MzMax      float64
	// MS2 adds a fragmentation scan after every MS1 scan in which a
	// compound is within one Width of its apex
	MS2  bool
	Seed int64
}

// DefaultSpec returns a 10 minute run without compounds
func DefaultSpec() RunSpec {
	return RunSpec{
		RTStart:      0,
		RTEnd:        600,
		ScanInterval: 1,
		NoisePeaks:   50,
		NoiseLevel:   100,
		MzMin:        100,
		MzMax:        1000,
		MS2:          true,
		Seed:         1,
	}
}

// Spectra generates the spectra of a run in acquisition order
func Spectra(spec RunSpec) []mzml.Spectrum {
	if spec.ScanInterval <= 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(spec.Seed))
	var out []mzml.Spectrum
	for rt := spec.RTStart; rt <= spec.RTEnd; rt += spec.ScanInterval {
		var s mzml.Spectrum
		s.MSLevel = 1
		s.RetentionTime = rt
		for i := 0; i < spec.NoisePeaks; i++ {
			s.Mz = append(s.Mz, spec.MzMin+rng.Float64()*(spec.MzMax-spec.MzMin))
			s.Intens = append(s.Intens, spec.NoiseLevel*(0.5+rng.Float64()))
		}
		var precursors []float64
		for _, c := range spec.Compounds {
			d := rt - c.RT
			intens := c.Height * math.Exp(-d*d/(2*c.Width*c.Width))
			if intens < 1 {
				continue
			}
			// ±0.2 ppm jitter
			mz := c.Mz * (1 + (rng.Float64()-0.5)*4e-7)
			s.Mz = append(s.Mz, mz)
			s.Intens = append(s.Intens, intens)
			if spec.MS2 && math.Abs(d) <= c.Width {
				precursors = append(precursors, c.Mz)
			}
		}
		sortPeaks(&s)
		out = append(out, s)
		for i, p := range precursors {
			out = append(out, mzml.Spectrum{
				MSLevel:       2,
				RetentionTime: rt + spec.ScanInterval*0.1*float64(i+1)/float64(len(precursors)+1),
				PrecursorMz:   p,
				Mz:            []float64{p / 3, p / 2},
				Intens:        []float64{1000, 500},
			})
		}
	}
	return out
}

// WriteMzML writes a synthetic run as mzML file
func WriteMzML(path string, spec RunSpec) (err error) {
	doc := mzml.New("synthetic")
	for _, s := range Spectra(spec) {
		if err := doc.AppendSpectrum(s); err != nil {
			return err
		}
	}
	doc.AppendSoftwareInfo("mzalign", "synthetic")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create synthetic run")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	if err := doc.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

// Run builds a run directly in buf without going through mzML
func Run(path string, spec RunSpec, buf *spill.Buffer) (*lcms.Run, error) {
	var scans []lcms.Scan
	for i, s := range Spectra(spec) {
		h, err := buf.Allocate(spill.Arrays{Mz: s.Mz, Intens: s.Intens})
		if err != nil {
			return nil, err
		}
		scans = append(scans, lcms.Scan{
			Index:         i,
			NativeID:      "scan=" + strconv.Itoa(i+1),
			MSLevel:       s.MSLevel,
			RetentionTime: s.RetentionTime,
			PrecursorMz:   s.PrecursorMz,
			Handle:        h,
		})
	}
	return lcms.NewRun(path, scans, buf), nil
}

func sortPeaks(s *mzml.Spectrum) {
	// insertion sort, spectra are short
	for i := 1; i < len(s.Mz); i++ {
		for j := i; j > 0 && s.Mz[j] < s.Mz[j-1]; j-- {
			s.Mz[j], s.Mz[j-1] = s.Mz[j-1], s.Mz[j]
			s.Intens[j], s.Intens[j-1] = s.Intens[j-1], s.Intens[j]
		}
	}
}
