// Package model implements a BERT-style text classifier on the device
// backend, including the backward pass the gradient-probe API relies on,
// and a small sequence-to-sequence model for generation-style outputs.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/tokenizer"
	"github.com/23skdu/longbow-gauntlet/internal/wrapper"
)

// Config holds the model hyperparameters.
type Config struct {
	VocabSize             int
	HiddenSize            int
	NumHiddenLayers       int
	NumAttentionHeads     int
	IntermediateSize      int
	MaxPositionEmbeddings int
	NumLabels             int
}

// TinyConfig returns the BERT-Tiny configuration with a binary
// classification head.
func TinyConfig() Config {
	return Config{
		VocabSize:             30522,
		HiddenSize:            128,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      512,
		MaxPositionEmbeddings: 512,
		NumLabels:             2,
	}
}

// SelfAttention holds the Q/K/V projections of one encoder layer.
type SelfAttention struct {
	NumHeads int
	HeadSize int

	Query device.Tensor
	Key   device.Tensor
	Value device.Tensor

	QueryBias []float32
	KeyBias   []float32
	ValueBias []float32
}

func newSelfAttention(cfg Config, backend device.Backend) *SelfAttention {
	h := cfg.HiddenSize
	return &SelfAttention{
		NumHeads:  cfg.NumAttentionHeads,
		HeadSize:  h / cfg.NumAttentionHeads,
		Query:     backend.NewTensor(h, h, nil),
		Key:       backend.NewTensor(h, h, nil),
		Value:     backend.NewTensor(h, h, nil),
		QueryBias: make([]float32, h),
		KeyBias:   make([]float32, h),
		ValueBias: make([]float32, h),
	}
}

// EncoderLayer is a single transformer block.
type EncoderLayer struct {
	Attention *SelfAttention

	AttnDense device.Tensor // H x H
	AttnBias  []float32
	AttnNorm  *LayerNorm

	InterDense device.Tensor // H x I
	InterBias  []float32

	OutDense device.Tensor // I x H
	OutBias  []float32
	OutNorm  *LayerNorm
}

func newEncoderLayer(cfg Config, backend device.Backend) *EncoderLayer {
	h, inter := cfg.HiddenSize, cfg.IntermediateSize
	return &EncoderLayer{
		Attention:  newSelfAttention(cfg, backend),
		AttnDense:  backend.NewTensor(h, h, nil),
		AttnBias:   make([]float32, h),
		AttnNorm:   NewLayerNorm(h),
		InterDense: backend.NewTensor(h, inter, nil),
		InterBias:  make([]float32, inter),
		OutDense:   backend.NewTensor(inter, h, nil),
		OutBias:    make([]float32, h),
		OutNorm:    NewLayerNorm(h),
	}
}

// ClassifierHead maps the [CLS] representation to class scores.
type ClassifierHead struct {
	Dense device.Tensor // H x NumLabels
	Bias  []float32
}

// layerCache holds the per-layer activations Backward needs.
type layerCache struct {
	q, k, v device.Tensor   // T x H projections
	probs   []device.Tensor // per-sequence attention probabilities
	preGelu device.Tensor   // T x I pre-activation
	norm1   layerNormCache
	norm2   layerNormCache
}

// forwardCache holds one training-mode forward pass.
type forwardCache struct {
	flatIDs     []int
	lengths     []int
	clsIndices  []int
	totalTokens int
	embNorm     layerNormCache
	layers      []layerCache
}

// Classifier is the full model: embeddings, encoder stack and head. It
// stays resident on the backend it was created with.
type Classifier struct {
	Config  Config
	backend device.Backend

	WordEmbeddings      *EmbeddingLayer
	PositionEmbeddings  device.Tensor
	TokenTypeEmbeddings device.Tensor
	EmbNorm             *LayerNorm

	Layers []*EncoderLayer
	Head   *ClassifierHead

	// mu guards training and cache. Eval-mode forwards never write shared
	// state, so concurrent Forward calls are safe outside train mode.
	mu       sync.Mutex
	training bool
	cache    *forwardCache
}

var _ wrapper.GradientModel = (*Classifier)(nil)

// NewClassifier creates a classifier with Xavier-initialized weights.
func NewClassifier(cfg Config, backend device.Backend) *Classifier {
	c := &Classifier{
		Config:              cfg,
		backend:             backend,
		WordEmbeddings:      NewEmbeddingLayer(backend, cfg.VocabSize, cfg.HiddenSize),
		PositionEmbeddings:  backend.NewTensor(cfg.MaxPositionEmbeddings, cfg.HiddenSize, nil),
		TokenTypeEmbeddings: backend.NewTensor(2, cfg.HiddenSize, nil), // 2 types: A and B
		EmbNorm:             NewLayerNorm(cfg.HiddenSize),
		Layers:              make([]*EncoderLayer, cfg.NumHiddenLayers),
		Head: &ClassifierHead{
			Dense: backend.NewTensor(cfg.HiddenSize, cfg.NumLabels, nil),
			Bias:  make([]float32, cfg.NumLabels),
		},
	}
	for i := range c.Layers {
		c.Layers[i] = newEncoderLayer(cfg, backend)
	}
	c.initWeights()
	return c
}

// initWeights applies Xavier initialization to all weight matrices.
func (c *Classifier) initWeights() {
	xavierInit(c.WordEmbeddings.Weight())
	xavierInit(c.PositionEmbeddings)
	xavierInit(c.TokenTypeEmbeddings)
	for _, layer := range c.Layers {
		xavierInit(layer.Attention.Query)
		xavierInit(layer.Attention.Key)
		xavierInit(layer.Attention.Value)
		xavierInit(layer.AttnDense)
		xavierInit(layer.InterDense)
		xavierInit(layer.OutDense)
	}
	xavierInit(c.Head.Dense)
}

// xavierInit initializes a matrix with Xavier/Glorot uniform initialization.
func xavierInit(m device.Tensor) {
	r, cols := m.Dims()
	limit := float32(math.Sqrt(6.0 / float64(r+cols)))

	data := make([]float32, r*cols)
	for i := range data {
		data[i] = (rand.Float32()*2 - 1) * limit
	}
	m.CopyFromFloat32(data)
}

func (c *Classifier) Backend() device.Backend {
	return c.backend
}

func (c *Classifier) InputEmbeddings() wrapper.EmbeddingLayer {
	return c.WordEmbeddings
}

// Embeddings returns the concrete embedding layer for weight loading.
func (c *Classifier) Embeddings() *EmbeddingLayer {
	return c.WordEmbeddings
}

// Train enables activation caching so a following Backward can run.
func (c *Classifier) Train() {
	c.mu.Lock()
	c.training = true
	c.mu.Unlock()
}

// Eval disables activation caching and drops any cached forward pass.
func (c *Classifier) Eval() {
	c.mu.Lock()
	c.training = false
	c.cache = nil
	c.mu.Unlock()
}

// Training reports whether the model is in train mode.
func (c *Classifier) Training() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.training
}

// ZeroGrad clears accumulated gradients.
func (c *Classifier) ZeroGrad() {
	c.WordEmbeddings.ZeroGrad()
}

// Forward runs the classifier over named field tensors and returns one row
// of class scores per input. Sequence lengths come from the attention mask;
// rows are padded with zeros past their length.
func (c *Classifier) Forward(fields map[string]device.Tensor) (wrapper.Output, error) {
	idsT, ok := fields[tokenizer.FieldInputIDs]
	if !ok {
		return nil, fmt.Errorf("model: missing field %q", tokenizer.FieldInputIDs)
	}
	rows, cols := idsT.Dims()

	maskT := fields[tokenizer.FieldAttentionMask]

	flatIDs := make([]int, 0, rows*cols)
	lengths := make([]int, rows)
	for i := 0; i < rows; i++ {
		length := cols
		if maskT != nil {
			length = 0
			for j := 0; j < cols; j++ {
				if maskT.At(i, j) > 0.5 {
					length++
				} else {
					break
				}
			}
		}
		if length == 0 {
			return nil, fmt.Errorf("model: input %d has zero-length attention mask", i)
		}
		lengths[i] = length

		for j := 0; j < length; j++ {
			id := int(idsT.At(i, j))
			if id < 0 || id >= c.Config.VocabSize {
				return nil, fmt.Errorf("model: input id %d out of vocab range [0, %d)", id, c.Config.VocabSize)
			}
			flatIDs = append(flatIDs, id)
		}
	}

	logits := c.forwardFlat(flatIDs, lengths)
	return wrapper.Scores{Tensor: logits}, nil
}

// forwardFlat runs the model over a flattened token stream. In train mode
// the activations needed by Backward are cached on the model.
func (c *Classifier) forwardFlat(flatIDs []int, lengths []int) device.Tensor {
	total := len(flatIDs)

	var fc *forwardCache
	if c.Training() {
		fc = &forwardCache{
			flatIDs:     append([]int(nil), flatIDs...),
			lengths:     append([]int(nil), lengths...),
			totalTokens: total,
			layers:      make([]layerCache, len(c.Layers)),
		}
	}

	// Embeddings: word + position + token type, then LayerNorm.
	x := c.WordEmbeddings.Weight().Gather(flatIDs)

	posIndices := make([]int, total)
	idx := 0
	for _, l := range lengths {
		for i := 0; i < l; i++ {
			if i >= c.Config.MaxPositionEmbeddings {
				posIndices[idx] = c.Config.MaxPositionEmbeddings - 1
			} else {
				posIndices[idx] = i
			}
			idx++
		}
	}
	x.Add(c.PositionEmbeddings.Gather(posIndices))
	x.Add(c.TokenTypeEmbeddings.Gather(make([]int, total)))

	var embCache *layerNormCache
	if fc != nil {
		embCache = &fc.embNorm
	}
	c.EmbNorm.Forward(x, embCache)

	// Encoder stack.
	for li, layer := range c.Layers {
		start := time.Now()
		var lc *layerCache
		if fc != nil {
			lc = &fc.layers[li]
		}
		x = layer.forward(c.backend, x, lengths, lc)
		layerDuration.WithLabelValues("encoder", "forward").Observe(time.Since(start).Seconds())
	}

	// Head: [CLS] rows -> class scores.
	clsIndices := make([]int, len(lengths))
	current := 0
	for i, l := range lengths {
		clsIndices[i] = current
		current += l
	}
	if fc != nil {
		fc.clsIndices = clsIndices
		c.mu.Lock()
		c.cache = fc
		c.mu.Unlock()
	}

	cls := x.Gather(clsIndices)
	logits := c.backend.NewTensor(len(lengths), c.Config.NumLabels, nil)
	logits.Mul(cls, c.Head.Dense)
	logits.AddBias(c.Head.Bias)
	return logits
}

// forward runs one transformer block over the flattened batch.
func (l *EncoderLayer) forward(backend device.Backend, x device.Tensor, lengths []int, lc *layerCache) device.Tensor {
	total, h := x.Dims()

	q := linear(backend, x, l.Attention.Query, l.Attention.QueryBias)
	k := linear(backend, x, l.Attention.Key, l.Attention.KeyBias)
	v := linear(backend, x, l.Attention.Value, l.Attention.ValueBias)

	scale := float32(1.0 / math.Sqrt(float64(l.Attention.HeadSize)))

	// Per-sequence scaled dot-product attention over the flat layout.
	ctx := backend.NewTensor(total, h, nil)
	ctxData := ctx.Data()
	var probs []device.Tensor
	offset := 0
	for _, seqLen := range lengths {
		end := offset + seqLen
		seqQ := q.Slice(offset, end, 0, h)
		seqK := k.Slice(offset, end, 0, h)
		seqV := v.Slice(offset, end, 0, h)

		p := backend.GetTensor(seqLen, seqLen)
		p.Mul(seqQ, seqK.T())
		p.Scale(scale)
		p.Softmax()

		seqCtx := backend.GetTensor(seqLen, h)
		seqCtx.Mul(p, seqV)
		copy(ctxData[offset*h:end*h], seqCtx.Data())
		backend.PutTensor(seqCtx)

		if lc != nil {
			probs = append(probs, p)
		} else {
			backend.PutTensor(p)
		}
		offset = end
	}

	if lc != nil {
		lc.q, lc.k, lc.v = q, k, v
		lc.probs = probs
	}

	// Attention output projection, residual, LayerNorm.
	attn := linear(backend, ctx, l.AttnDense, l.AttnBias)
	attn.Add(x)
	var n1 *layerNormCache
	if lc != nil {
		n1 = &lc.norm1
	}
	l.AttnNorm.Forward(attn, n1)

	// Feed-forward with GELU.
	inter := linear(backend, attn, l.InterDense, l.InterBias)
	if lc != nil {
		r, cols := inter.Dims()
		pre := backend.NewTensor(r, cols, nil)
		pre.Copy(inter)
		lc.preGelu = pre
	}
	inter.Gelu()

	out := linear(backend, inter, l.OutDense, l.OutBias)
	out.Add(attn)
	var n2 *layerNormCache
	if lc != nil {
		n2 = &lc.norm2
	}
	l.OutNorm.Forward(out, n2)

	return out
}

// linear computes input * weight + bias into a pooled tensor.
func linear(backend device.Backend, input, weight device.Tensor, bias []float32) device.Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	out := backend.GetTensor(r, wc)
	out.Mul(input, weight)
	if bias != nil {
		out.AddBias(bias)
	}
	return out
}
