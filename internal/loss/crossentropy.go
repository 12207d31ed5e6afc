// Package loss provides scalar loss functions over score tensors.
package loss

import (
	"math"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/simd"
)

// Function computes a scalar loss and its gradient with respect to the
// score tensor. Implementations must not retain the tensors they receive.
type Function interface {
	Forward(scores device.Tensor, labels []int) float32
	Grad(scores device.Tensor, labels []int) device.Tensor
}

// CrossEntropy is softmax cross-entropy with mean reduction over the batch,
// the default loss for classification probes.
type CrossEntropy struct{}

func NewCrossEntropy() *CrossEntropy {
	return &CrossEntropy{}
}

// Forward returns the mean negative log-likelihood of labels under the
// row-softmax of scores.
func (CrossEntropy) Forward(scores device.Tensor, labels []int) float32 {
	r, c := scores.Dims()

	var total float64
	row := make([]float32, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			row[j] = scores.At(i, j)
		}
		simd.SoftmaxFast(row)

		p := float64(row[labels[i]])
		if p < 1e-12 {
			p = 1e-12
		}
		total += -math.Log(p)
	}
	return float32(total / float64(r))
}

// Grad returns d(loss)/d(scores): (softmax(scores) - onehot(labels)) / N.
func (CrossEntropy) Grad(scores device.Tensor, labels []int) device.Tensor {
	r, c := scores.Dims()

	grad := scores.Backend().NewTensor(r, c, nil)
	data := grad.Data()
	invN := float32(1.0 / float64(r))

	row := make([]float32, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			row[j] = scores.At(i, j)
		}
		simd.SoftmaxFast(row)
		row[labels[i]] -= 1

		for j := 0; j < c; j++ {
			data[i*c+j] = row[j] * invN
		}
	}
	return grad
}
