package model

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/simd"
)

// Backward propagates dScores (gradient of the loss at the class scores,
// one row per input) back to the input embeddings. It consumes the
// activations cached by the last train-mode Forward: registered embedding
// hooks fire with the embedding-output gradient, and when the embedding
// layer is trainable its weight gradient is accumulated.
//
// The cache is single-shot. A second Backward without a new train-mode
// Forward returns an error.
func (c *Classifier) Backward(dScores device.Tensor) error {
	c.mu.Lock()
	fc := c.cache
	c.cache = nil
	c.mu.Unlock()
	if fc == nil {
		return fmt.Errorf("model: backward requires a preceding forward pass in train mode")
	}

	rows, cols := dScores.Dims()
	if rows != len(fc.lengths) || cols != c.Config.NumLabels {
		return fmt.Errorf("model: score gradient is %dx%d, want %dx%d",
			rows, cols, len(fc.lengths), c.Config.NumLabels)
	}

	h := c.Config.HiddenSize

	// Head: route the per-input gradient back to the [CLS] rows.
	dCls := c.backend.NewTensor(rows, h, nil)
	dCls.Mul(dScores, c.Head.Dense.T())

	dX := c.backend.NewTensor(fc.totalTokens, h, nil)
	dX.ScatterAddRows(fc.clsIndices, dCls)

	// Encoder stack, reversed.
	for li := len(c.Layers) - 1; li >= 0; li-- {
		start := time.Now()
		dX = c.Layers[li].backward(c.backend, dX, fc.lengths, &fc.layers[li])
		layerDuration.WithLabelValues("encoder", "backward").Observe(time.Since(start).Seconds())
	}

	// Embedding LayerNorm, then the embedding sum. Position and token-type
	// tables are frozen, so dX after the norm is exactly the word-embedding
	// output gradient.
	c.EmbNorm.Backward(dX, &fc.embNorm)

	c.WordEmbeddings.fireHooks(dX)
	if c.WordEmbeddings.Trainable() {
		c.WordEmbeddings.accumulate(fc.flatIDs, dX)
	}
	return nil
}

// backward propagates dY through one transformer block and returns the
// gradient at the block input. dY is consumed.
func (l *EncoderLayer) backward(backend device.Backend, dY device.Tensor, lengths []int, lc *layerCache) device.Tensor {
	total, h := dY.Dims()
	_, inter := l.InterDense.Dims()

	// Output LayerNorm.
	l.OutNorm.Backward(dY, &lc.norm2)
	dOut := dY

	// Feed-forward: out = gelu(attn*Wi + bi)*W2 + b2 + attn.
	dGelu := backend.GetTensor(total, inter)
	dGelu.Mul(dOut, l.OutDense.T())
	simd.GeluGrad(dGelu.Data(), dGelu.Data(), lc.preGelu.Data())

	dAttn := backend.NewTensor(total, h, nil)
	dAttn.Mul(dGelu, l.InterDense.T())
	dAttn.Add(dOut)
	backend.PutTensor(dGelu)

	// Attention LayerNorm.
	l.AttnNorm.Backward(dAttn, &lc.norm1)

	// Attention output projection: pre1 = ctx*Wo + bo + x.
	dCtx := backend.GetTensor(total, h)
	dCtx.Mul(dAttn, l.AttnDense.T())

	// Scaled dot-product attention, per sequence.
	scale := float32(1.0 / math.Sqrt(float64(l.Attention.HeadSize)))

	dQ := backend.NewTensor(total, h, nil)
	dK := backend.NewTensor(total, h, nil)
	dV := backend.NewTensor(total, h, nil)
	dQData, dKData, dVData := dQ.Data(), dK.Data(), dV.Data()

	offset := 0
	for si, seqLen := range lengths {
		end := offset + seqLen
		probs := lc.probs[si]

		seqDCtx := dCtx.Slice(offset, end, 0, h)
		seqQ := lc.q.Slice(offset, end, 0, h)
		seqK := lc.k.Slice(offset, end, 0, h)
		seqV := lc.v.Slice(offset, end, 0, h)

		// dV = P^T * dCtx
		seqDV := backend.GetTensor(seqLen, h)
		seqDV.Mul(probs.T(), seqDCtx)
		copy(dVData[offset*h:end*h], seqDV.Data())
		backend.PutTensor(seqDV)

		// dP = dCtx * V^T, then through the row softmax and the scale.
		dP := backend.GetTensor(seqLen, seqLen)
		dP.Mul(seqDCtx, seqV.T())
		dPData, pData := dP.Data(), probs.Data()
		for r := 0; r < seqLen; r++ {
			simd.SoftmaxGradRow(dPData[r*seqLen:(r+1)*seqLen], pData[r*seqLen:(r+1)*seqLen])
		}
		dP.Scale(scale)

		// dQ = dS * K, dK = dS^T * Q.
		seqDQ := backend.GetTensor(seqLen, h)
		seqDQ.Mul(dP, seqK)
		copy(dQData[offset*h:end*h], seqDQ.Data())
		backend.PutTensor(seqDQ)

		seqDK := backend.GetTensor(seqLen, h)
		seqDK.Mul(dP.T(), seqQ)
		copy(dKData[offset*h:end*h], seqDK.Data())
		backend.PutTensor(seqDK)

		backend.PutTensor(dP)
		offset = end
	}
	backend.PutTensor(dCtx)

	// Back through the Q/K/V projections plus the residual path.
	dIn := backend.NewTensor(total, h, nil)
	dIn.Mul(dQ, l.Attention.Query.T())

	tmp := backend.GetTensor(total, h)
	tmp.Mul(dK, l.Attention.Key.T())
	dIn.Add(tmp)
	tmp.Mul(dV, l.Attention.Value.T())
	dIn.Add(tmp)
	backend.PutTensor(tmp)

	dIn.Add(dAttn)
	return dIn
}
