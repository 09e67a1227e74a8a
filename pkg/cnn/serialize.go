package cnn

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/x448/float16"
)

// Archive layout: a zip file with two entries.
//
//	model.json   Header
//	weights.bin  Every tensor in Header.Tensors order, little endian, at Header.Precision
const (
	FormatVersion     = "speciesml.cnn.v1"
	archiveHeaderName = "model.json"
	archiveWeightName = "weights.bin"
)

type Precision string

const (
	PrecisionFloat32 Precision = "fp32"
	PrecisionFloat16 Precision = "fp16"
)

// Bytes per scalar
func (p Precision) Size() int {
	switch p {
	case PrecisionFloat32:
		return 4
	case PrecisionFloat16:
		return 2
	}
	return 0
}

type TensorInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

func (t TensorInfo) Count() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Header describes a serialized model
type Header struct {
	Format       string       `json:"format"`
	Architecture Architecture `json:"architecture"`
	Input        Shape        `json:"input"`
	Classes      []string     `json:"classes"`      // Output order
	LabelsSHA256 string       `json:"labelsSha256"` // labels.OrderingHash(Classes)
	Precision    Precision    `json:"precision"`
	Tensors      []TensorInfo `json:"tensors"`
}

// Build the header that describes this model at the given precision
func (m *Model) Header(precision Precision) *Header {
	h := &Header{
		Format:       FormatVersion,
		Architecture: m.Arch,
		Input:        m.Input,
		Classes:      append([]string(nil), m.Classes...),
		LabelsSHA256: labels.OrderingHash(m.Classes),
		Precision:    precision,
	}
	for _, p := range m.Params() {
		h.Tensors = append(h.Tensors, TensorInfo{Name: p.Name, Shape: append([]int(nil), p.Shape...)})
	}
	return h
}

// Save writes the model at full precision. This is the checkpoint format.
func (m *Model) Save(w io.Writer) error {
	var buf bytes.Buffer
	for _, p := range m.Params() {
		if err := binary.Write(&buf, binary.LittleEndian, p.Value); err != nil {
			return err
		}
	}
	return WriteArchive(w, m.Header(PrecisionFloat32), buf.Bytes())
}

// WriteArchive writes a header and an already encoded weight blob
func WriteArchive(w io.Writer, h *Header, weights []byte) error {
	expected := 0
	for _, t := range h.Tensors {
		expected += t.Count() * h.Precision.Size()
	}
	if expected == 0 || expected != len(weights) {
		return fmt.Errorf("Weight blob is %v bytes, but header describes %v bytes", len(weights), expected)
	}
	zw := zip.NewWriter(w)
	hw, err := zw.Create(archiveHeaderName)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(hw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h); err != nil {
		return err
	}
	// Weights are mostly incompressible, so don't waste time on deflate
	ww, err := zw.CreateHeader(&zip.FileHeader{Name: archiveWeightName, Method: zip.Store})
	if err != nil {
		return err
	}
	if _, err := ww.Write(weights); err != nil {
		return err
	}
	return zw.Close()
}

// LoadFile loads a model that was written by Save, or by the exporter
func LoadFile(filename string) (*Model, *Header, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, err
	}
	m, h, err := Load(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to load model %v: %w", filename, err)
	}
	return m, h, nil
}

func Load(r io.ReaderAt, size int64) (*Model, *Header, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, nil, err
	}
	var h Header
	var weights []byte
	for _, f := range zr.File {
		switch f.Name {
		case archiveHeaderName:
			if err := readZipJSON(f, &h); err != nil {
				return nil, nil, err
			}
		case archiveWeightName:
			if weights, err = readZipFile(f); err != nil {
				return nil, nil, err
			}
		}
	}
	if h.Format != FormatVersion {
		return nil, nil, fmt.Errorf("Unsupported model format '%v'", h.Format)
	}
	if h.Precision.Size() == 0 {
		return nil, nil, fmt.Errorf("Unsupported precision '%v'", h.Precision)
	}
	if h.LabelsSHA256 != labels.OrderingHash(h.Classes) {
		return nil, nil, fmt.Errorf("Model labels hash does not match its class list")
	}

	m, err := newModel(h.Architecture, h.Input, h.Classes)
	if err != nil {
		return nil, nil, err
	}
	params := m.Params()
	if len(params) != len(h.Tensors) {
		return nil, nil, fmt.Errorf("Model has %v tensors, file has %v", len(params), len(h.Tensors))
	}
	offset := 0
	for i, p := range params {
		t := h.Tensors[i]
		if t.Name != p.Name || t.Count() != len(p.Value) {
			return nil, nil, fmt.Errorf("Tensor %v (%v) does not match model tensor %v (%v values)", i, t.Name, p.Name, len(p.Value))
		}
		n := t.Count() * h.Precision.Size()
		if offset+n > len(weights) {
			return nil, nil, fmt.Errorf("Weights are truncated at tensor %v", t.Name)
		}
		decodeWeights(h.Precision, weights[offset:offset+n], p.Value)
		offset += n
	}
	if offset != len(weights) {
		return nil, nil, fmt.Errorf("Weights have %v trailing bytes", len(weights)-offset)
	}
	return m, &h, nil
}

func decodeWeights(precision Precision, src []byte, dst []float32) {
	switch precision {
	case PrecisionFloat32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case PrecisionFloat16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	}
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func readZipJSON(f *zip.File, v any) error {
	raw, err := readZipFile(f)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
