package export

// Package export turns a trained model into the artifacts that ship to the runtime:
// a half precision weight archive, and the metadata that describes it.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/collectkid/speciesml/pkg/cnn"
	"github.com/collectkid/speciesml/pkg/iox"
	"github.com/collectkid/speciesml/pkg/kibi"
	"github.com/collectkid/speciesml/pkg/labels"
	"github.com/cyclopcam/logs"
	"github.com/x448/float16"
)

// QuantizationError is returned when a weight cannot be represented in half precision
type QuantizationError struct {
	Tensor string
	Index  int
	Value  float32
}

func (e *QuantizationError) Error() string {
	return fmt.Sprintf("Weight %v[%v] = %v cannot be represented as a 16-bit float", e.Tensor, e.Index, e.Value)
}

// Summary of an exported artifact
type Result struct {
	Path       string
	Bytes      int64
	Tensors    int
	Parameters int
}

// Exporter writes fp16 model artifacts
type Exporter struct {
	Log logs.Log
}

func NewExporter(log logs.Log) *Exporter {
	return &Exporter{Log: log}
}

// Quantize encodes every param of the model as little endian IEEE half precision floats.
// Values that are non-finite, or whose magnitude is too large for fp16, are an error.
// Values too small for fp16 become zero, or a subnormal.
func Quantize(params []*cnn.Param) ([]byte, error) {
	var buf bytes.Buffer
	var b [2]byte
	for _, p := range params {
		for i, v := range p.Value {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, &QuantizationError{Tensor: p.Name, Index: i, Value: v}
			}
			h := float16.Fromfloat32(v)
			if h.IsInf(0) {
				return nil, &QuantizationError{Tensor: p.Name, Index: i, Value: v}
			}
			binary.LittleEndian.PutUint16(b[:], h.Bits())
			buf.Write(b[:])
		}
	}
	return buf.Bytes(), nil
}

// Export quantizes the model and writes it to path.
// The catalog must be the one that the model was trained with, so that the output
// order of the artifact is the catalog order.
// Either a complete artifact is written, or path is left untouched.
func (e *Exporter) Export(model *cnn.Model, catalog *labels.Catalog, path string) (*Result, error) {
	if model.NumClasses() != catalog.Len() {
		return nil, fmt.Errorf("Model has %v outputs, but the catalog has %v classes", model.NumClasses(), catalog.Len())
	}
	header := model.Header(cnn.PrecisionFloat16)
	if header.LabelsSHA256 != catalog.SHA256() {
		return nil, fmt.Errorf("Model class order does not match the label catalog")
	}
	params := model.Params()
	weights, err := Quantize(params)
	if err != nil {
		return nil, err
	}
	err = iox.WriteFileAtomic(path, func(w io.Writer) error {
		return cnn.WriteArchive(w, header, weights)
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to write model artifact %v: %w", path, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Path:       path,
		Bytes:      st.Size(),
		Tensors:    len(params),
		Parameters: model.NumParameters(),
	}
	e.Log.Infof("Exported %v parameters in %v tensors to %v (%v)", res.Parameters, res.Tensors, path, kibi.FormatBytes(res.Bytes))
	return res, nil
}
