package device

// Tensor is a 2-D array of float32 values resident on a compute backend.
// All model state and activations flow through this interface so the owning
// backend of a model never changes over its lifetime.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice when the tensor is contiguous on the
	// host (nil for transposed views).
	Data() []float32

	// ToHost copies the data to a freshly allocated Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same shape.
	Copy(from Tensor)

	// Slice returns a copy of the sub-range [i, k) x [j, l).
	Slice(i, k, j, l int) Tensor

	// T returns a transposed view sharing the underlying storage.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b.
	Mul(a, b Tensor)

	// MulElem performs element-wise multiplication: t = t ⊙ other.
	MulElem(other Tensor)

	// Add performs element-wise addition: t = t + other.
	Add(other Tensor)

	// AddScaled performs t = t + other * scale.
	AddScaled(other Tensor, scale float32)

	// Scale performs t = t * val.
	Scale(val float32)

	// AddBias adds a bias vector to every row.
	AddBias(bias []float32)

	// Activation functions (in-place, row-wise for Softmax).
	Softmax()
	Gelu()
	Tanh()

	// Gather collects rows by index into a new tensor.
	Gather(indices []int) Tensor

	// ScatterAddRows adds each row of src into the row of t named by indices.
	// Duplicate indices accumulate.
	ScatterAddRows(indices []int, src Tensor)

	// Zero resets all elements to 0.
	Zero()

	// Backend returns the backend this tensor lives on.
	Backend() Backend
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
