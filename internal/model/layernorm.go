package model

import (
	"math"

	"github.com/23skdu/longbow-gauntlet/internal/device"
)

// LayerNorm implements layer normalization over the last dimension, with
// enough forward-pass bookkeeping to run the exact backward pass later.
// Parameters live on the host: the gradient path needs host-visible data
// anyway, and the per-row reduction does not benefit from the backend.
type LayerNorm struct {
	Gamma []float32
	Beta  []float32
	Eps   float32
}

func NewLayerNorm(size int) *LayerNorm {
	gamma := make([]float32, size)
	for i := range gamma {
		gamma[i] = 1.0
	}
	return &LayerNorm{
		Gamma: gamma,
		Beta:  make([]float32, size),
		Eps:   1e-12,
	}
}

// layerNormCache holds the normalized activations and inverse standard
// deviations a backward pass needs.
type layerNormCache struct {
	xhat   []float32 // rows*cols, (x - mean) * invStd
	invStd []float32 // per row
}

// Forward normalizes x in-place, row by row. When cache is non-nil the
// intermediates are recorded for Backward.
func (l *LayerNorm) Forward(x device.Tensor, cache *layerNormCache) {
	r, c := x.Dims()
	data := x.Data()
	if data == nil {
		panic("LayerNorm requires a contiguous host tensor")
	}

	if cache != nil {
		cache.xhat = make([]float32, r*c)
		cache.invStd = make([]float32, r)
	}

	for i := 0; i < r; i++ {
		row := data[i*c : (i+1)*c]

		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(c)

		var varSum float32
		for _, v := range row {
			diff := v - mean
			varSum += diff * diff
		}
		variance := varSum / float32(c)
		invStd := 1.0 / float32(math.Sqrt(float64(variance+l.Eps)))

		for j := 0; j < c; j++ {
			xhat := (row[j] - mean) * invStd
			if cache != nil {
				cache.xhat[i*c+j] = xhat
			}
			row[j] = xhat*l.Gamma[j] + l.Beta[j]
		}
		if cache != nil {
			cache.invStd[i] = invStd
		}
	}
}

// Backward turns dy (gradient at the LayerNorm output) into the gradient at
// its input, in-place, using the cached forward intermediates.
//
// With g = dy ⊙ γ:
//
//	dx = invStd * (g - mean(g) - xhat * mean(g ⊙ xhat))
func (l *LayerNorm) Backward(dy device.Tensor, cache *layerNormCache) {
	r, c := dy.Dims()
	data := dy.Data()
	if data == nil {
		panic("LayerNorm backward requires a contiguous host tensor")
	}
	if cache == nil || cache.xhat == nil {
		panic("LayerNorm backward called without a cached forward pass")
	}

	g := make([]float32, c)
	for i := 0; i < r; i++ {
		row := data[i*c : (i+1)*c]
		xhat := cache.xhat[i*c : (i+1)*c]

		var sumG, sumGX float32
		for j := 0; j < c; j++ {
			g[j] = row[j] * l.Gamma[j]
			sumG += g[j]
			sumGX += g[j] * xhat[j]
		}
		meanG := sumG / float32(c)
		meanGX := sumGX / float32(c)

		invStd := cache.invStd[i]
		for j := 0; j < c; j++ {
			row[j] = invStd * (g[j] - meanG - xhat[j]*meanGX)
		}
	}
}
