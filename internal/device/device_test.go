package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCPUTensorMul(t *testing.T) {
	b := NewCPUBackend()

	// 2x3 * 3x2 = 2x2
	a := b.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})
	c := b.NewTensor(3, 2, []float32{7, 8, 9, 10, 11, 12})

	out := b.NewTensor(2, 2, nil)
	out.Mul(a, c)

	require.Equal(t, float32(58), out.At(0, 0))
	require.Equal(t, float32(64), out.At(0, 1))
	require.Equal(t, float32(139), out.At(1, 0))
	require.Equal(t, float32(154), out.At(1, 1))
}

func TestCPUTensorMulTransposed(t *testing.T) {
	b := NewCPUBackend()

	a := b.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})

	// A * A^T is 2x2 symmetric
	out := b.NewTensor(2, 2, nil)
	out.Mul(a, a.T())

	require.Equal(t, float32(14), out.At(0, 0))
	require.Equal(t, float32(32), out.At(0, 1))
	require.Equal(t, float32(32), out.At(1, 0))
	require.Equal(t, float32(77), out.At(1, 1))
}

func TestCPUTensorGatherScatter(t *testing.T) {
	b := NewCPUBackend()

	table := b.NewTensor(4, 2, []float32{
		0, 0,
		1, 1,
		2, 2,
		3, 3,
	})

	g := table.Gather([]int{3, 1, 3})
	r, c := g.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 2, c)
	require.Equal(t, float32(3), g.At(0, 0))
	require.Equal(t, float32(1), g.At(1, 1))

	// Scatter the gathered rows back: row 3 was gathered twice, so it
	// accumulates twice.
	acc := b.NewTensor(4, 2, nil)
	acc.ScatterAddRows([]int{3, 1, 3}, g)
	require.Equal(t, float32(6), acc.At(3, 0))
	require.Equal(t, float32(1), acc.At(1, 0))
	require.Equal(t, float32(0), acc.At(0, 0))
}

func TestCPUTensorElementwise(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(1, 4, []float32{1, 2, 3, 4})
	y := b.NewTensor(1, 4, []float32{2, 2, 2, 2})

	x.MulElem(y)
	require.Equal(t, []float32{2, 4, 6, 8}, x.ToHost())

	x.AddScaled(y, 0.5)
	require.Equal(t, []float32{3, 5, 7, 9}, x.ToHost())

	x.AddBias([]float32{1, 1, 1, 1})
	require.Equal(t, []float32{4, 6, 8, 10}, x.ToHost())

	x.Zero()
	require.Equal(t, []float32{0, 0, 0, 0}, x.ToHost())
}

func TestTensorPoolReuse(t *testing.T) {
	b := NewCPUBackend()

	t1 := b.GetTensor(4, 4)
	t1.Set(0, 0, 42)
	b.PutTensor(t1)

	// Pooled tensors come back zeroed
	t2 := b.GetTensor(4, 4)
	require.Equal(t, float32(0), t2.At(0, 0))
}
