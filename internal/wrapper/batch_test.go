package wrapper

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/tokenizer"
)

func encOfLen(n int) tokenizer.EncodedInput {
	ids := make([]int, n)
	mask := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
		mask[i] = 1
	}
	return tokenizer.EncodedInput{
		tokenizer.FieldInputIDs:      ids,
		tokenizer.FieldAttentionMask: mask,
	}
}

func TestBatchApplyGrouping(t *testing.T) {
	inputs := []tokenizer.EncodedInput{
		encOfLen(2), encOfLen(3), encOfLen(2), encOfLen(4), encOfLen(2),
	}

	var groups [][]tokenizer.EncodedInput
	fn := func(g []tokenizer.EncodedInput) (Output, error) {
		groups = append(groups, g)
		return Strings{"x"}, nil
	}

	outputs, err := batchApply(inputs, 2, fn)
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	require.Len(t, groups, 3)
	require.Len(t, groups[0], 2)
	require.Len(t, groups[1], 2)
	require.Len(t, groups[2], 1)
}

func TestMergeOutputsStrings(t *testing.T) {
	b := device.NewCPUBackend()
	merged, err := mergeOutputs([]Output{
		Strings{"a", "b"},
		Strings{"c"},
	}, b)
	require.NoError(t, err)
	require.Equal(t, Strings{"a", "b", "c"}, merged)
}

func TestMergeOutputsScores(t *testing.T) {
	b := device.NewCPUBackend()
	merged, err := mergeOutputs([]Output{
		Scores{Tensor: b.NewTensor(2, 2, []float32{1, 2, 3, 4})},
		Scores{Tensor: b.NewTensor(1, 2, []float32{5, 6})},
	}, b)
	require.NoError(t, err)

	s := merged.(Scores).Tensor
	r, c := s.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 2, c)
	require.Equal(t, float32(1), s.At(0, 0))
	require.Equal(t, float32(5), s.At(2, 0))
	require.Equal(t, float32(6), s.At(2, 1))
}

func TestMergeOutputsMixedKinds(t *testing.T) {
	b := device.NewCPUBackend()
	_, err := mergeOutputs([]Output{
		Strings{"a"},
		Scores{Tensor: b.NewTensor(1, 2, nil)},
	}, b)
	require.Error(t, err)
}

func TestTransposeFieldsPadding(t *testing.T) {
	b := device.NewCPUBackend()
	group := []tokenizer.EncodedInput{encOfLen(2), encOfLen(4)}

	fields, err := transposeFields(group, b)
	require.NoError(t, err)

	ids := fields[tokenizer.FieldInputIDs]
	r, c := ids.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 4, c)

	// Short rows are zero padded on the right.
	require.Equal(t, float32(2), ids.At(0, 1))
	require.Equal(t, float32(0), ids.At(0, 2))
	require.Equal(t, float32(0), ids.At(0, 3))
	require.Equal(t, float32(4), ids.At(1, 3))

	mask := fields[tokenizer.FieldAttentionMask]
	require.Equal(t, float32(1), mask.At(0, 1))
	require.Equal(t, float32(0), mask.At(0, 2))
}

func TestTransposeFieldsMismatchedFields(t *testing.T) {
	b := device.NewCPUBackend()
	odd := tokenizer.EncodedInput{
		tokenizer.FieldInputIDs: []int{1, 2},
	}
	_, err := transposeFields([]tokenizer.EncodedInput{encOfLen(2), odd}, b)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSplitGradient(t *testing.T) {
	b := device.NewCPUBackend()
	grad := b.NewTensor(5, 2, []float32{
		1, 1,
		2, 2,
		3, 3,
		4, 4,
		5, 5,
	})

	grads, err := splitGradient(grad, []tokenizer.EncodedInput{encOfLen(2), encOfLen(3)})
	require.NoError(t, err)
	require.Len(t, grads, 2)

	r0, _ := grads[0].Dims()
	r1, _ := grads[1].Dims()
	require.Equal(t, 2, r0)
	require.Equal(t, 3, r1)
	require.Equal(t, float32(1), grads[0].At(0, 0))
	require.Equal(t, float32(3), grads[1].At(0, 0))
	require.Equal(t, float32(5), grads[1].At(2, 1))
}

func TestSplitGradientSingle(t *testing.T) {
	b := device.NewCPUBackend()
	grad := b.NewTensor(3, 2, nil)

	grads, err := splitGradient(grad, []tokenizer.EncodedInput{encOfLen(3)})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	require.Same(t, grad, grads[0])
}

func TestSplitGradientRowMismatch(t *testing.T) {
	b := device.NewCPUBackend()
	grad := b.NewTensor(4, 2, nil)

	_, err := splitGradient(grad, []tokenizer.EncodedInput{encOfLen(2), encOfLen(3)})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestArgmaxRows(t *testing.T) {
	b := device.NewCPUBackend()
	scores := b.NewTensor(3, 3, []float32{
		0.1, 0.9, 0.2,
		2, 1, 0,
		-3, -2, -1,
	})
	require.Equal(t, []int{1, 0, 2}, argmaxRows(scores))
}
