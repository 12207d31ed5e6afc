// Package weights loads classifier parameters from raw binary checkpoints.
package weights

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/model"
)

// Loader fills a classifier's parameters from a checkpoint file.
type Loader struct {
	Model *model.Classifier
}

func NewLoader(m *model.Classifier) *Loader {
	return &Loader{Model: m}
}

// LoadFromRawBinary reads little-endian float32 values in a fixed order
// matching the model structure: embeddings (word, position, token type,
// LayerNorm), then per encoder layer Q/K/V with biases, attention output
// dense and norm, intermediate dense, output dense and norm, and finally
// the classification head.
func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	m := l.Model

	if err := l.loadTensor(file, m.WordEmbeddings.Weight()); err != nil {
		return fmt.Errorf("word embeddings: %w", err)
	}
	if err := l.loadTensor(file, m.PositionEmbeddings); err != nil {
		return fmt.Errorf("position embeddings: %w", err)
	}
	if err := l.loadTensor(file, m.TokenTypeEmbeddings); err != nil {
		return fmt.Errorf("token type embeddings: %w", err)
	}
	if err := l.loadLayerNorm(file, m.EmbNorm); err != nil {
		return fmt.Errorf("embedding layernorm: %w", err)
	}

	for i, layer := range m.Layers {
		if err := l.loadLayer(file, layer); err != nil {
			return fmt.Errorf("encoder layer %d: %w", i, err)
		}
	}

	if err := l.loadTensor(file, m.Head.Dense); err != nil {
		return fmt.Errorf("head dense: %w", err)
	}
	if err := l.loadSlice(file, m.Head.Bias); err != nil {
		return fmt.Errorf("head bias: %w", err)
	}
	return nil
}

func (l *Loader) loadLayer(r io.Reader, layer *model.EncoderLayer) error {
	sa := layer.Attention
	steps := []struct {
		name   string
		tensor device.Tensor
		slice  []float32
	}{
		{"query", sa.Query, nil},
		{"query bias", nil, sa.QueryBias},
		{"key", sa.Key, nil},
		{"key bias", nil, sa.KeyBias},
		{"value", sa.Value, nil},
		{"value bias", nil, sa.ValueBias},
		{"attention dense", layer.AttnDense, nil},
		{"attention bias", nil, layer.AttnBias},
		{"attention gamma", nil, layer.AttnNorm.Gamma},
		{"attention beta", nil, layer.AttnNorm.Beta},
		{"intermediate dense", layer.InterDense, nil},
		{"intermediate bias", nil, layer.InterBias},
		{"output dense", layer.OutDense, nil},
		{"output bias", nil, layer.OutBias},
		{"output gamma", nil, layer.OutNorm.Gamma},
		{"output beta", nil, layer.OutNorm.Beta},
	}

	for _, s := range steps {
		var err error
		if s.tensor != nil {
			err = l.loadTensor(r, s.tensor)
		} else {
			err = l.loadSlice(r, s.slice)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func (l *Loader) loadTensor(r io.Reader, d device.Tensor) error {
	rows, cols := d.Dims()
	data := make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return err
	}
	d.CopyFromFloat32(data)
	return nil
}

func (l *Loader) loadSlice(r io.Reader, s []float32) error {
	return binary.Read(r, binary.LittleEndian, s)
}

func (l *Loader) loadLayerNorm(r io.Reader, ln *model.LayerNorm) error {
	if err := l.loadSlice(r, ln.Gamma); err != nil {
		return err
	}
	return l.loadSlice(r, ln.Beta)
}
