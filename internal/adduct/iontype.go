package adduct

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownIonType means an ion type name is not in the catalogue
var ErrUnknownIonType = errors.New("unknown ion type")

// IonType is an ionization form of a neutral molecule M:
// m/z = (Multimer*M + Delta) / |Charge|
type IonType struct {
	Name     string  `json:"name" msgpack:"name"`
	Multimer int     `json:"multimer" msgpack:"multimer"`
	Delta    float64 `json:"delta" msgpack:"delta"` // net mass of added and lost groups, electrons included
	Charge   int     `json:"charge" msgpack:"charge"`
}

// NeutralMass returns the mass of M for an ion observed at mz
func (t IonType) NeutralMass(mz float64) float64 {
	return (mz*math.Abs(float64(t.Charge)) - t.Delta) / float64(t.Multimer)
}

// Mz returns the m/z of the ion formed from neutral mass m
func (t IonType) Mz(m float64) float64 {
	return (float64(t.Multimer)*m + t.Delta) / math.Abs(float64(t.Charge))
}

func (t IonType) String() string {
	return t.Name
}

const (
	massProton   = 1.00727646688
	massElectron = 0.00054857990946
	massH2O      = 18.0105646863
	massNa       = 22.9897692820
	massK        = 38.9637064864
	massNH3      = 17.0265491015
	massCl       = 34.968852682
	massHCOOH    = 46.0054792
)

// catalogue lists the supported ion types. Names follow the usual
// bracket notation.
var catalogue = []IonType{
	{"[M+H]+", 1, massProton, 1},
	{"[M+Na]+", 1, massNa - massElectron, 1},
	{"[M+K]+", 1, massK - massElectron, 1},
	{"[M+NH4]+", 1, massNH3 + massProton, 1},
	{"[M+H-H2O]+", 1, massProton - massH2O, 1},
	{"[2M+H]+", 2, massProton, 1},
	{"[2M+Na]+", 2, massNa - massElectron, 1},
	{"[M+2H]2+", 1, 2 * massProton, 2},
	{"[M]+", 1, -massElectron, 1},
	{"[M-H]-", 1, -massProton, -1},
	{"[M+Cl]-", 1, massCl + massElectron, -1},
	{"[M+FA-H]-", 1, massHCOOH - massProton, -1},
	{"[M-H2O-H]-", 1, -massH2O - massProton, -1},
	{"[2M-H]-", 2, -massProton, -1},
	{"[M-2H]2-", 1, -2 * massProton, -2},
}

// Catalogue returns all known ion types
func Catalogue() []IonType {
	out := make([]IonType, len(catalogue))
	copy(out, catalogue)
	return out
}

// ParseIonType looks up an ion type by name. Whitespace is ignored.
func ParseIonType(name string) (IonType, error) {
	n := strings.Join(strings.Fields(name), "")
	for _, t := range catalogue {
		if t.Name == n {
			return t, nil
		}
	}
	return IonType{}, errors.Wrapf(ErrUnknownIonType, "%q", name)
}

// ParseIonTypes parses a whitelist. Duplicates are an error, since they
// would double the prior weight of a type.
func ParseIonTypes(names []string) ([]IonType, error) {
	seen := map[string]bool{}
	out := make([]IonType, 0, len(names))
	for _, name := range names {
		t, err := ParseIonType(name)
		if err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, errors.Errorf("duplicate ion type %s", t.Name)
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out, nil
}
