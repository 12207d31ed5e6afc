package simd

import (
	"math"
	"testing"
)

func TestExpFast(t *testing.T) {
	inputs := []float32{-10, -2, -0.5, 0, 0.5, 1, 2, 5}
	for _, x := range inputs {
		got := ExpFast(x)
		want := float32(math.Exp(float64(x)))
		relErr := math.Abs(float64(got-want)) / math.Max(float64(want), 1e-9)
		if relErr > 0.01 {
			t.Errorf("ExpFast(%v) = %v, want ~%v (rel err %v)", x, got, want, relErr)
		}
	}
}

func TestTanhFast(t *testing.T) {
	inputs := []float32{-5, -1, -0.25, 0, 0.25, 1, 5}
	for _, x := range inputs {
		got := TanhFast(x)
		want := float32(math.Tanh(float64(x)))
		if math.Abs(float64(got-want)) > 0.02 {
			t.Errorf("TanhFast(%v) = %v, want ~%v", x, got, want)
		}
	}
}

func TestSoftmaxFast(t *testing.T) {
	row := []float32{1, 2, 3, 4}
	SoftmaxFast(row)

	var sum float32
	for _, v := range row {
		if v < 0 || v > 1 {
			t.Errorf("softmax value out of range: %v", v)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-3 {
		t.Errorf("softmax row should sum to 1, got %v", sum)
	}
	// Monotonic: larger logits get larger probabilities
	for i := 1; i < len(row); i++ {
		if row[i] <= row[i-1] {
			t.Errorf("softmax should preserve ordering, got %v", row)
		}
	}
}

func TestSoftmaxGradRow(t *testing.T) {
	// For probs p and upstream g, the input gradient rows of a softmax
	// always sum to zero.
	probs := []float32{0.1, 0.2, 0.3, 0.4}
	grad := []float32{1, -2, 0.5, 3}
	SoftmaxGradRow(grad, probs)

	var sum float32
	for _, v := range grad {
		sum += v
	}
	if math.Abs(float64(sum)) > 1e-4 {
		t.Errorf("softmax input gradient should sum to 0, got %v", sum)
	}
}

func TestGeluGradFiniteDifference(t *testing.T) {
	pre := []float32{-2, -0.5, 0, 0.5, 2}
	upstream := []float32{1, 1, 1, 1, 1}
	dst := make([]float32, len(pre))
	GeluGrad(dst, upstream, pre)

	const eps = 1e-2
	for i, x := range pre {
		lo := []float32{x - eps}
		hi := []float32{x + eps}
		GeluFast(lo)
		GeluFast(hi)
		numeric := (hi[0] - lo[0]) / (2 * eps)
		if math.Abs(float64(dst[i]-numeric)) > 0.05 {
			t.Errorf("GeluGrad at %v = %v, finite difference %v", x, dst[i], numeric)
		}
	}
}

func TestVecOps(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{5, 4, 3, 2, 1}

	VecAdd(a, b)
	for _, v := range a {
		if v != 6 {
			t.Fatalf("VecAdd result should be all 6s, got %v", a)
		}
	}

	VecAddScaled(a, b, 2)
	if a[0] != 16 || a[4] != 8 {
		t.Errorf("VecAddScaled mismatch: %v", a)
	}

	if got := DotProduct(b, b); got != 55 {
		t.Errorf("DotProduct = %v, want 55", got)
	}

	c := []float32{2, 2, 2}
	VecMulElem(c, []float32{1, 2, 3})
	if c[0] != 2 || c[1] != 4 || c[2] != 6 {
		t.Errorf("VecMulElem mismatch: %v", c)
	}

	VecScale(c, 0.5)
	if c[2] != 3 {
		t.Errorf("VecScale mismatch: %v", c)
	}
}
