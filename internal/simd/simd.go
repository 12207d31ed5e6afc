package simd

// ExpFast is a fast approximation of exp(x).
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation.
func ExpFast(x float32) float32 {
	// Clamp to avoid overflow
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	// exp(x) = 2^(x * log2(e))
	const log2e = 1.4426950408889634

	t := x * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float32(k)

	// Polynomial approximation for 2^f where f in [0, 1)
	p := 1.0 + f*(0.6931472+f*(0.24022651+f*0.05550411))

	if k >= 0 && k < 63 {
		return p * float32(uint64(1)<<k)
	}
	if k < 0 && k > -63 {
		return p / float32(uint64(1)<<(-k))
	}
	return p
}

// TanhFast is a fast approximation of tanh(x).
func TanhFast(x float32) float32 {
	// For |x| > 4, tanh is saturated
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}

	// Padé approximation: tanh(x) ≈ x * (27 + x^2) / (27 + 9*x^2)
	x2 := x * x
	return x * (27.0 + x2) / (27.0 + 9.0*x2)
}

const (
	geluSqrt2OverPi = 0.7978845608
	geluCoeff       = 0.044715
)

// GeluFast applies the tanh GELU approximation in-place.
func GeluFast(data []float32) {
	for i, x := range data {
		// GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
		data[i] = 0.5 * x * (1 + TanhFast(geluSqrt2OverPi*(x+geluCoeff*x*x*x)))
	}
}

// GeluGrad writes the derivative of the tanh GELU approximation, evaluated at
// pre[i], multiplied by upstream[i], into dst[i]. pre holds the pre-activation
// values captured during the forward pass.
func GeluGrad(dst, upstream, pre []float32) {
	for i, x := range pre {
		u := geluSqrt2OverPi * (x + geluCoeff*x*x*x)
		t := TanhFast(u)
		du := geluSqrt2OverPi * (1 + 3*geluCoeff*x*x)
		d := 0.5*(1+t) + 0.5*x*(1-t*t)*du
		dst[i] = upstream[i] * d
	}
}

// SoftmaxFast applies fast softmax in-place to a row.
func SoftmaxFast(row []float32) {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i, v := range row {
		row[i] = ExpFast(v - max)
		sum += row[i]
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// SoftmaxGradRow computes the backward pass of a row softmax in-place:
// dst = probs ⊙ (dst - sum(dst ⊙ probs)). dst initially holds the upstream
// gradient and is overwritten with the input gradient.
func SoftmaxGradRow(dst, probs []float32) {
	var dot float32
	for i := range dst {
		dot += dst[i] * probs[i]
	}
	for i := range dst {
		dst[i] = probs[i] * (dst[i] - dot)
	}
}

// VecAdd performs dst += src.
func VecAdd(dst, src []float32) {
	// Unrolled for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale.
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecMulElem performs dst *= src element-wise.
func VecMulElem(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// VecScale performs dst *= scale.
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// DotProduct computes the dot product of two vectors.
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}
