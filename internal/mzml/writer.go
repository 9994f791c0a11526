package mzml

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Spectrum describes a spectrum to be added with AppendSpectrum
type Spectrum struct {
	MSLevel       int
	RetentionTime float64 // seconds
	Profile       bool    // profile data instead of centroided peaks
	PrecursorMz   float64 // MS2 only
	Mz            []float64
	Intens        []float64
}

// New creates an empty mzML document for a run
func New(runID string) MzML {
	var f MzML
	f.content.XMLName = xml.Name{Space: mzMLNamespace, Local: "mzML"}
	f.content.Run.ID = runID
	return f
}

// AppendSpectrum adds a spectrum at the end of the run
func (f *MzML) AppendSpectrum(s Spectrum) error {
	if len(s.Mz) != len(s.Intens) {
		return ErrArrayLength
	}
	idx := f.NumSpecs()
	id := fmt.Sprintf("scan=%d", idx+1)

	var sp spectrum
	sp.Index = idx
	sp.ID = id
	sp.DefaultArrayLength = int64(len(s.Mz))
	sp.CvPar = []CVParam{
		{Accession: cvMSLevel, Name: "ms level", Value: strconv.Itoa(s.MSLevel)},
	}
	if s.Profile {
		sp.CvPar = append(sp.CvPar, CVParam{Accession: cvProfile, Name: "profile spectrum"})
	} else {
		sp.CvPar = append(sp.CvPar, CVParam{Accession: cvCentroid, Name: "centroid spectrum"})
	}
	sp.ScanList = scanList{
		Count: 1,
		Scan: []scan{{CvPar: []CVParam{{
			Accession:     cvScanStartTime,
			Name:          "scan start time",
			Value:         strconv.FormatFloat(s.RetentionTime, 'f', -1, 64),
			UnitCvRef:     "UO",
			UnitAccession: unitSecond,
			UnitName:      "second",
		}}}},
	}
	if s.MSLevel > 1 {
		sp.PrecursorList = []precursorList{{
			Count: 1,
			Precursor: []xmlPrecursor{{
				SelectedIonList: selectedIonList{
					Count: 1,
					SelectedIon: []selectedIon{{CvPar: []CVParam{{
						Accession: cvSelectedIonMz,
						Name:      "selected ion m/z",
						Value:     strconv.FormatFloat(s.PrecursorMz, 'f', -1, 64),
					}}}},
				},
			}},
		}}
	}
	mzB64, err := encodeBinary(s.Mz, true, true)
	if err != nil {
		return err
	}
	intensB64, err := encodeBinary(s.Intens, true, true)
	if err != nil {
		return err
	}
	sp.BinaryDataArrayList = binaryDataArrayList{
		Count: 2,
		BinaryDataArray: []binaryDataArray{
			{
				EncodedLength: len(mzB64),
				CvPar: []CVParam{
					{Accession: cvFloat64, Name: "64-bit float"},
					{Accession: cvZlib, Name: "zlib compression"},
					{Accession: cvMzArray, Name: "m/z array"},
				},
				Binary: mzB64,
			},
			{
				EncodedLength: len(intensB64),
				CvPar: []CVParam{
					{Accession: cvFloat64, Name: "64-bit float"},
					{Accession: cvZlib, Name: "zlib compression"},
					{Accession: cvIntensityArray, Name: "intensity array"},
				},
				Binary: intensB64,
			},
		},
	}

	f.content.Run.SpectrumList.Spectrum = append(f.content.Run.SpectrumList.Spectrum, sp)
	f.content.Run.SpectrumList.Count = f.NumSpecs()
	f.index2id = append(f.index2id, id)
	return nil
}

// Write writes the document as mzML
func (f *MzML) Write(writer io.Writer) error {
	if _, err := io.WriteString(writer, `<?xml version="1.0" encoding="utf-8"?>
`); err != nil {
		return err
	}
	enc := xml.NewEncoder(writer)
	enc.Indent(` `, `  `)
	var content mzMLContentWrite

	content.XMLName = f.content.XMLName
	content.Sl1 = mzMLSchemaLocation
	content.Version = "1.1.0"
	content.Sl2 = "http://www.w3.org/2001/XMLSchema-instance"
	content.CvList = f.content.CvList
	content.FileDescription = f.content.FileDescription
	content.SoftwareList = f.content.SoftwareList
	content.InstrumentConfigurationList = f.content.InstrumentConfigurationList
	content.DataProcessingList = f.content.DataProcessingList
	content.Run = f.content.Run

	return enc.Encode(&content)
}

// AppendSoftwareInfo adds info to the SoftwareList tag of the mzML file
func (f *MzML) AppendSoftwareInfo(id string, version string) {
	if f.content.SoftwareList == nil {
		f.content.SoftwareList = &softwareList{}
	}
	f.content.SoftwareList.Count++
	f.content.SoftwareList.Software = append(f.content.SoftwareList.Software,
		software{ID: id, Version: version})
}

func encodeBinary(values []float64, zlibCompression bool, bits64 bool) (string, error) {
	var raw []byte
	if bits64 {
		raw = make([]byte, len(values)*8)
		for i, v := range values {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
		}
	} else {
		raw = make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
		}
	}
	data := raw
	if zlibCompression {
		var b bytes.Buffer
		z := zlib.NewWriter(&b)
		if _, err := z.Write(raw); err != nil {
			return "", err
		}
		// zlib writer must explicitly be closed here, otherwise the result is invalid
		if err := z.Close(); err != nil {
			return "", err
		}
		data = b.Bytes()
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
