// Package wrapper adapts a trained text model to the uniform calling
// convention an adversarial-attack driver expects: raw text in, scores or
// generated strings out, and per-token embedding gradients on demand.
package wrapper

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/loss"
	"github.com/23skdu/longbow-gauntlet/internal/tokenizer"
)

// TextEncoder is the tokenizer surface the wrapper consumes.
type TextEncoder interface {
	Encode(text string) tokenizer.EncodedInput
	ConvertIDsToTokens(ids []int) []string
}

// ModelWrapper owns a model, a tokenizer, a loss function and a batch size.
// The model stays resident on a single backend for the wrapper's lifetime.
//
// Predict is safe for concurrent use. GetGradients mutates shared model
// state (train mode, embedding trainable flag, hook registration) for the
// duration of the call; concurrent GetGradients calls on one wrapper must be
// serialized by the caller.
type ModelWrapper struct {
	model     Model
	encoder   TextEncoder
	lossFn    loss.Function
	batchSize int
}

// GradientResult holds the outcome of one GetGradients call.
type GradientResult struct {
	// Tokens holds the token strings decoded from each text's id sequence.
	Tokens [][]string
	// IDs holds the per-text encoded inputs as produced by the tokenizer.
	IDs []tokenizer.EncodedInput
	// Gradient holds one embedding-output gradient tensor per text, each of
	// shape (sequence length, hidden size).
	Gradient []device.Tensor
	// Loss is the scalar loss the gradients were taken against.
	Loss float32
}

// New creates a ModelWrapper. batchSize must be positive.
func New(model Model, encoder TextEncoder, lossFn loss.Function, batchSize int) (*ModelWrapper, error) {
	if model == nil {
		return nil, fmt.Errorf("wrapper: model must not be nil")
	}
	if encoder == nil {
		return nil, fmt.Errorf("wrapper: encoder must not be nil")
	}
	if lossFn == nil {
		lossFn = loss.NewCrossEntropy()
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("wrapper: batch size must be positive, got %d", batchSize)
	}
	return &ModelWrapper{
		model:     model,
		encoder:   encoder,
		lossFn:    lossFn,
		batchSize: batchSize,
	}, nil
}

// Predict tokenizes texts, partitions them into groups of at most the
// configured batch size, and runs one forward pass per group with gradient
// tracking disabled. Score rows (or generated strings) come back
// concatenated in the original input order.
func (w *ModelWrapper) Predict(texts []string) (Output, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	encoded := make([]tokenizer.EncodedInput, len(texts))
	for i, text := range texts {
		encoded[i] = w.encoder.Encode(text)
	}

	if gm, ok := w.model.(GradientModel); ok {
		gm.Eval()
	}

	outputs, err := batchApply(encoded, w.batchSize, w.forwardGroup)
	if err != nil {
		return nil, err
	}

	textsProcessed.WithLabelValues("predict").Add(float64(len(texts)))
	return mergeOutputs(outputs, w.model.Backend())
}

// PredictEncoded runs a single forward pass over pre-tokenized inputs with
// no sub-batching. It is the raw calling convention Predict builds on.
func (w *ModelWrapper) PredictEncoded(batch []tokenizer.EncodedInput) (Output, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyInput
	}
	if gm, ok := w.model.(GradientModel); ok {
		gm.Eval()
	}
	return w.forwardGroup(batch)
}

// GetGradients computes the gradient of the configured loss with respect to
// the model's embedding-layer output, one tensor per input text. The label
// for each text is the model's own argmax prediction.
//
// The whole input list goes through a single unbatched forward pass; callers
// probing very large lists should split them to bound memory. This mirrors
// the probe contract rather than silently reusing Predict's batching.
func (w *ModelWrapper) GetGradients(texts []string) (*GradientResult, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	gm, ok := w.model.(GradientModel)
	if !ok {
		return nil, fmt.Errorf("%w: gradient extraction not implemented for this model type", ErrUnsupported)
	}

	// Enter train mode and force the embedding weight trainable so the
	// backward pass reaches the hook. Every mutation below is undone on all
	// exit paths.
	gm.Train()
	defer gm.Eval()

	emb := gm.InputEmbeddings()
	priorTrainable := emb.Trainable()
	emb.SetTrainable(true)
	defer emb.SetTrainable(priorTrainable)

	var captured []device.Tensor
	remove := emb.RegisterBackwardHook(func(grad device.Tensor) {
		captured = append(captured, grad)
	})
	defer remove()

	gm.ZeroGrad()

	encoded := make([]tokenizer.EncodedInput, len(texts))
	tokens := make([][]string, len(texts))
	for i, text := range texts {
		encoded[i] = w.encoder.Encode(text)
		tokens[i] = w.encoder.ConvertIDsToTokens(encoded[i][tokenizer.FieldInputIDs])
	}

	out, err := w.forwardGroup(encoded)
	if err != nil {
		return nil, err
	}
	scores, ok := out.(Scores)
	if !ok {
		return nil, fmt.Errorf("%w: model produced text output, not scores", ErrUnsupported)
	}

	labels := argmaxRows(scores.Tensor)
	lossValue := w.lossFn.Forward(scores.Tensor, labels)
	dScores := w.lossFn.Grad(scores.Tensor, labels)

	start := time.Now()
	if err := gm.Backward(dScores); err != nil {
		return nil, fmt.Errorf("backward pass failed: %w", err)
	}
	backwardDuration.Observe(time.Since(start).Seconds())

	if len(captured) == 0 {
		return nil, fmt.Errorf("backward pass produced no embedding gradient")
	}

	grads, err := splitGradient(captured[0], encoded)
	if err != nil {
		return nil, err
	}

	textsProcessed.WithLabelValues("gradients").Add(float64(len(texts)))
	return &GradientResult{
		Tokens:   tokens,
		IDs:      encoded,
		Gradient: grads,
		Loss:     lossValue,
	}, nil
}

// forwardGroup transposes a list of per-text field maps into one named
// tensor per field and runs the model on them.
func (w *ModelWrapper) forwardGroup(group []tokenizer.EncodedInput) (Output, error) {
	fields, err := transposeFields(group, w.model.Backend())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := w.model.Forward(fields)
	forwardDuration.Observe(time.Since(start).Seconds())
	return out, err
}

// transposeFields turns a list of dicts into a dict of row-padded tensors.
// All inputs in the group must carry the same field names.
func transposeFields(group []tokenizer.EncodedInput, backend device.Backend) (map[string]device.Tensor, error) {
	first := group[0]
	maxLen := 0
	for _, enc := range group {
		if len(enc) != len(first) {
			return nil, fmt.Errorf("%w: inputs carry %d and %d fields", ErrShapeMismatch, len(first), len(enc))
		}
		for name := range first {
			if _, ok := enc[name]; !ok {
				return nil, fmt.Errorf("%w: field %q missing from an input", ErrShapeMismatch, name)
			}
		}
		if enc.Len() > maxLen {
			maxLen = enc.Len()
		}
	}

	fields := make(map[string]device.Tensor, len(first))
	for name := range first {
		data := make([]float32, len(group)*maxLen)
		for i, enc := range group {
			seq := enc[name]
			if len(seq) > maxLen {
				return nil, fmt.Errorf("%w: field %q longer than primary id field", ErrShapeMismatch, name)
			}
			for j, v := range seq {
				data[i*maxLen+j] = float32(v)
			}
		}
		fields[name] = backend.NewTensor(len(group), maxLen, data)
	}
	return fields, nil
}

// splitGradient slices the flattened batch gradient (rows = sum of sequence
// lengths) into one tensor per text. A capture covering a single sequence is
// wrapped as-is.
func splitGradient(grad device.Tensor, encoded []tokenizer.EncodedInput) ([]device.Tensor, error) {
	rows, cols := grad.Dims()

	if len(encoded) == 1 {
		if rows != encoded[0].Len() {
			return nil, fmt.Errorf("%w: gradient has %d rows for a %d-token sequence", ErrShapeMismatch, rows, encoded[0].Len())
		}
		return []device.Tensor{grad}, nil
	}

	total := 0
	for _, enc := range encoded {
		total += enc.Len()
	}
	if total != rows {
		return nil, fmt.Errorf("%w: gradient has %d rows, inputs total %d tokens", ErrShapeMismatch, rows, total)
	}

	out := make([]device.Tensor, len(encoded))
	offset := 0
	for i, enc := range encoded {
		out[i] = grad.Slice(offset, offset+enc.Len(), 0, cols)
		offset += enc.Len()
	}
	return out, nil
}

// argmaxRows returns the index of the largest score in each row.
func argmaxRows(scores device.Tensor) []int {
	r, c := scores.Dims()
	labels := make([]int, r)
	for i := 0; i < r; i++ {
		best := 0
		bestVal := scores.At(i, 0)
		for j := 1; j < c; j++ {
			if v := scores.At(i, j); v > bestVal {
				bestVal = v
				best = j
			}
		}
		labels[i] = best
	}
	return labels
}
