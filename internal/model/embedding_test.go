package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-gauntlet/internal/device"
)

func TestEmbeddingLayerHooks(t *testing.T) {
	b := device.NewCPUBackend()
	l := NewEmbeddingLayer(b, 10, 4)

	var calls int
	remove := l.RegisterBackwardHook(func(grad device.Tensor) {
		calls++
		r, c := grad.Dims()
		require.Equal(t, 3, r)
		require.Equal(t, 4, c)
	})
	require.Equal(t, 1, l.HookCount())

	grad := b.NewTensor(3, 4, nil)
	l.fireHooks(grad)
	require.Equal(t, 1, calls)

	remove()
	require.Equal(t, 0, l.HookCount())
	l.fireHooks(grad)
	require.Equal(t, 1, calls)

	// Removing twice is harmless.
	remove()
	require.Equal(t, 0, l.HookCount())
}

func TestEmbeddingLayerAccumulate(t *testing.T) {
	b := device.NewCPUBackend()
	l := NewEmbeddingLayer(b, 5, 2)

	require.Nil(t, l.Grad())

	grad := b.NewTensor(3, 2, []float32{
		1, 1,
		2, 2,
		3, 3,
	})
	// Token 1 appears twice: its rows accumulate.
	l.accumulate([]int{1, 4, 1}, grad)

	g := l.Grad()
	require.NotNil(t, g)
	require.InDelta(t, 4, g.At(1, 0), 1e-6)
	require.InDelta(t, 4, g.At(1, 1), 1e-6)
	require.InDelta(t, 2, g.At(4, 0), 1e-6)
	require.InDelta(t, 0, g.At(0, 0), 1e-6)

	l.ZeroGrad()
	require.Nil(t, l.Grad())
}

func TestEmbeddingLayerTrainable(t *testing.T) {
	b := device.NewCPUBackend()
	l := NewEmbeddingLayer(b, 5, 2)

	require.False(t, l.Trainable())
	l.SetTrainable(true)
	require.True(t, l.Trainable())
	l.SetTrainable(false)
	require.False(t, l.Trainable())
}
