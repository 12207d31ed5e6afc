package wrapper

import (
	"fmt"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/tokenizer"
)

// batchApply applies fn to successive slices of at most batchSize inputs and
// returns the per-group outputs in order. Batching must be transparent to
// callers: result order and count never depend on the batch size.
func batchApply(inputs []tokenizer.EncodedInput, batchSize int, fn func([]tokenizer.EncodedInput) (Output, error)) ([]Output, error) {
	outputs := make([]Output, 0, (len(inputs)+batchSize-1)/batchSize)
	for start := 0; start < len(inputs); start += batchSize {
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		out, err := fn(inputs[start:end])
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// mergeOutputs concatenates per-group outputs in input order. All groups
// must carry the same output kind.
func mergeOutputs(outputs []Output, backend device.Backend) (Output, error) {
	if len(outputs) == 1 {
		return outputs[0], nil
	}

	switch outputs[0].(type) {
	case Strings:
		var merged Strings
		for _, out := range outputs {
			s, ok := out.(Strings)
			if !ok {
				return nil, fmt.Errorf("mixed output kinds across batches")
			}
			merged = append(merged, s...)
		}
		return merged, nil

	case Scores:
		totalRows := 0
		cols := 0
		for _, out := range outputs {
			s, ok := out.(Scores)
			if !ok {
				return nil, fmt.Errorf("mixed output kinds across batches")
			}
			r, c := s.Tensor.Dims()
			if cols != 0 && c != cols {
				return nil, fmt.Errorf("%w: score widths differ across batches (%d vs %d)", ErrShapeMismatch, cols, c)
			}
			cols = c
			totalRows += r
		}

		merged := backend.NewTensor(totalRows, cols, nil)
		data := merged.Data()
		offset := 0
		for _, out := range outputs {
			chunk := out.(Scores).Tensor.ToHost()
			copy(data[offset:offset+len(chunk)], chunk)
			offset += len(chunk)
		}
		return Scores{Tensor: merged}, nil
	}

	return nil, fmt.Errorf("unknown output kind %T", outputs[0])
}
