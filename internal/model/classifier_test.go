package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/tokenizer"
	"github.com/23skdu/longbow-gauntlet/internal/wrapper"
)

func testConfig() Config {
	return Config{
		VocabSize:             32,
		HiddenSize:            8,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      16,
		MaxPositionEmbeddings: 16,
		NumLabels:             3,
	}
}

// buildFields packs ragged id sequences into padded field tensors the way
// the wrapper does.
func buildFields(b device.Backend, ids [][]int) map[string]device.Tensor {
	maxLen := 0
	for _, row := range ids {
		if len(row) > maxLen {
			maxLen = len(row)
		}
	}

	n := len(ids)
	idData := make([]float32, n*maxLen)
	maskData := make([]float32, n*maxLen)
	for i, row := range ids {
		for j, id := range row {
			idData[i*maxLen+j] = float32(id)
			maskData[i*maxLen+j] = 1
		}
	}

	return map[string]device.Tensor{
		tokenizer.FieldInputIDs:      b.NewTensor(n, maxLen, idData),
		tokenizer.FieldAttentionMask: b.NewTensor(n, maxLen, maskData),
	}
}

func TestClassifierForwardShape(t *testing.T) {
	b := device.NewCPUBackend()
	m := NewClassifier(testConfig(), b)

	fields := buildFields(b, [][]int{
		{2, 5, 6, 3},
		{2, 7, 3},
	})

	out, err := m.Forward(fields)
	require.NoError(t, err)

	scores, ok := out.(wrapper.Scores)
	require.True(t, ok)

	r, c := scores.Tensor.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 3, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := float64(scores.Tensor.At(i, j))
			require.False(t, v != v, "score (%d,%d) is NaN", i, j)
		}
	}
}

func TestClassifierForwardValidation(t *testing.T) {
	b := device.NewCPUBackend()
	m := NewClassifier(testConfig(), b)

	_, err := m.Forward(map[string]device.Tensor{})
	require.Error(t, err)

	// Out-of-vocab id.
	fields := buildFields(b, [][]int{{2, 99, 3}})
	_, err = m.Forward(fields)
	require.Error(t, err)
}

func TestClassifierForwardDeterministic(t *testing.T) {
	b := device.NewCPUBackend()
	m := NewClassifier(testConfig(), b)

	fields := buildFields(b, [][]int{{2, 5, 6, 3}})

	first, err := m.Forward(fields)
	require.NoError(t, err)
	second, err := m.Forward(fields)
	require.NoError(t, err)

	f := first.(wrapper.Scores).Tensor
	s := second.(wrapper.Scores).Tensor
	for j := 0; j < 3; j++ {
		require.InDelta(t, f.At(0, j), s.At(0, j), 1e-6)
	}
}

func TestClassifierBackwardHookAndGrad(t *testing.T) {
	b := device.NewCPUBackend()
	m := NewClassifier(testConfig(), b)

	var captured []device.Tensor
	remove := m.InputEmbeddings().RegisterBackwardHook(func(grad device.Tensor) {
		captured = append(captured, grad)
	})
	defer remove()

	m.WordEmbeddings.SetTrainable(true)
	m.Train()

	fields := buildFields(b, [][]int{
		{2, 5, 6, 3},
		{2, 7, 3},
	})
	_, err := m.Forward(fields)
	require.NoError(t, err)

	dScores := b.NewTensor(2, 3, []float32{1, 0, -1, 0.5, -0.5, 0})
	require.NoError(t, m.Backward(dScores))

	// Hook saw one flattened gradient covering all 7 tokens.
	require.Len(t, captured, 1)
	r, c := captured[0].Dims()
	require.Equal(t, 7, r)
	require.Equal(t, 8, c)

	// Weight gradient accumulated only at the looked-up rows.
	g := m.WordEmbeddings.Grad()
	require.NotNil(t, g)

	rowNonzero := func(row int) bool {
		for j := 0; j < 8; j++ {
			if g.At(row, j) != 0 {
				return true
			}
		}
		return false
	}
	for _, used := range []int{2, 3, 5, 6, 7} {
		require.True(t, rowNonzero(used), "row %d", used)
	}
	for _, unused := range []int{0, 1, 10, 31} {
		require.False(t, rowNonzero(unused), "row %d", unused)
	}
}

func TestClassifierBackwardRequiresTrainForward(t *testing.T) {
	b := device.NewCPUBackend()
	m := NewClassifier(testConfig(), b)
	dScores := b.NewTensor(1, 3, []float32{1, 0, 0})

	// No forward at all.
	require.Error(t, m.Backward(dScores))

	// Eval-mode forward does not cache.
	fields := buildFields(b, [][]int{{2, 5, 3}})
	_, err := m.Forward(fields)
	require.NoError(t, err)
	require.Error(t, m.Backward(dScores))

	// Train-mode forward does, but the cache is single shot.
	m.Train()
	_, err = m.Forward(fields)
	require.NoError(t, err)
	require.NoError(t, m.Backward(dScores))
	require.Error(t, m.Backward(dScores))

	// Eval drops a pending cache.
	_, err = m.Forward(fields)
	require.NoError(t, err)
	m.Eval()
	require.Error(t, m.Backward(dScores))
}

func TestClassifierTrainEvalSameScores(t *testing.T) {
	b := device.NewCPUBackend()
	m := NewClassifier(testConfig(), b)

	fields := buildFields(b, [][]int{{2, 5, 6, 7, 3}})

	evalOut, err := m.Forward(fields)
	require.NoError(t, err)

	m.Train()
	trainOut, err := m.Forward(fields)
	require.NoError(t, err)
	m.Eval()

	e := evalOut.(wrapper.Scores).Tensor
	tr := trainOut.(wrapper.Scores).Tensor
	for j := 0; j < 3; j++ {
		require.InDelta(t, e.At(0, j), tr.At(0, j), 1e-5)
	}
}

func TestClassifierConcurrentEvalForward(t *testing.T) {
	b := device.NewCPUBackend()
	m := NewClassifier(testConfig(), b)

	fields := buildFields(b, [][]int{
		{2, 5, 6, 3},
		{2, 7, 3},
	})

	baseline, err := m.Forward(fields)
	require.NoError(t, err)
	want := baseline.(wrapper.Scores).Tensor

	const workers = 8
	results := make(chan device.Tensor, workers)
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < 20; i++ {
				out, err := m.Forward(fields)
				if err != nil {
					errs <- err
					return
				}
				results <- out.(wrapper.Scores).Tensor
			}
			errs <- nil
		}()
	}

	done := 0
	for done < workers {
		select {
		case err := <-errs:
			require.NoError(t, err)
			done++
		case got := <-results:
			for i := 0; i < 2; i++ {
				for j := 0; j < 3; j++ {
					require.InDelta(t, want.At(i, j), got.At(i, j), 1e-6)
				}
			}
		}
	}
}

func TestSeq2SeqForward(t *testing.T) {
	b := device.NewCPUBackend()
	cfg := testConfig()
	m := NewSeq2Seq(cfg, b, staticDecoder{}, 3)

	fields := buildFields(b, [][]int{
		{2, 5, 6, 3},
		{2, 7, 3},
	})
	out, err := m.Forward(fields)
	require.NoError(t, err)

	strs, ok := out.(wrapper.Strings)
	require.True(t, ok)
	require.Len(t, strs, 2)

	// Generation models expose no gradient surface.
	_, isGradient := wrapper.Model(m).(wrapper.GradientModel)
	require.False(t, isGradient)
}

type staticDecoder struct{}

func (staticDecoder) ConvertIDsToTokens(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("tok%d", id)
	}
	return out
}
