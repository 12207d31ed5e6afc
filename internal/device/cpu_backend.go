package device

import (
	"log"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-gauntlet/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
	}

	if data == nil {
		t.data = make([]float32, size)
	} else {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		t.data = make([]float32, size)
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		ct.data = make([]float32, size)
	} else {
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Backend() Backend {
	return t.backend
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("CopyFromFloat32: size mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not supported")
	}

	tr, tc := t.Dims()
	fr, fc := ft.Dims()

	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		copy(t.data, ft.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, ft.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j

	if sliceRows <= 0 || sliceCols <= 0 {
		panic("Slice: invalid dimensions")
	}

	// This is a copy, not a view.
	out := t.backend.NewTensor(sliceRows, sliceCols, nil)
	for rowIdx := 0; rowIdx < sliceRows; rowIdx++ {
		for colIdx := 0; colIdx < sliceCols; colIdx++ {
			out.Set(rowIdx, colIdx, t.At(i+rowIdx, j+colIdx))
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
	}
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}

	common := ac

	// Parallel MatMul
	var wg sync.WaitGroup
	rowsPerWorker := (ar + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if startRow >= ar {
			break
		}
		if endRow > ar {
			endRow = ar
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			for i := start; i < end; i++ {
				// C[i, j] = A[i, :] * B[:, j]
				var rowA []float32
				if ma.trans {
					rowA = make([]float32, common)
					for k := 0; k < common; k++ {
						rowA[k] = ma.At(i, k)
					}
				} else {
					startA := i * ma.cols
					rowA = ma.data[startA : startA+ma.cols]
				}

				for j := 0; j < bc; j++ {
					var colB []float32
					if mb.trans {
						startB := j * mb.cols
						colB = mb.data[startB : startB+mb.cols]
					} else {
						colB = make([]float32, common)
						for k := 0; k < common; k++ {
							colB[k] = mb.At(k, j)
						}
					}

					val := simd.DotProduct(rowA, colB)
					t.Set(i, j, val)
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()
}

func (t *CPUTensor) MulElem(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend MulElem not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panicf("MulElem: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecMulElem(t.data, ot.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, t.At(i, j)*ot.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) Add(other Tensor) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend Add not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()

	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, t.At(i, j)+ot.At(i, j))
			}
		}
	}
}

func (t *CPUTensor) AddScaled(other Tensor, scale float32) {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend AddScaled not supported")
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panicf("AddScaled: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAddScaled(t.data, ot.data, scale)
	} else {
		for i := 0; i < tr; i++ {
			for j := 0; j < tc; j++ {
				t.Set(i, j, t.At(i, j)+ot.At(i, j)*scale)
			}
		}
	}
}

func (t *CPUTensor) Scale(val float32) {
	simd.VecScale(t.data, val)
}

func (t *CPUTensor) AddBias(bias []float32) {
	if t.trans {
		log.Panic("AddBias not supported on transposed tensor views directly")
	}

	r, c := t.Dims()
	if len(bias) != c {
		panic("AddBias: bias length mismatch with tensor columns")
	}

	data := t.data
	for i := 0; i < r; i++ {
		row := data[i*c : (i+1)*c]
		simd.VecAdd(row, bias)
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	outData := make([]float32, len(indices)*c)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			panic("Gather index out of bounds")
		}
		for j := 0; j < c; j++ {
			outData[i*c+j] = t.At(idx, j)
		}
	}

	return t.backend.NewTensor(len(indices), c, outData)
}

func (t *CPUTensor) ScatterAddRows(indices []int, src Tensor) {
	st, ok := src.(*CPUTensor)
	if !ok {
		log.Panic("Mixed backend ScatterAddRows not supported")
	}
	if t.trans || st.trans {
		log.Panic("ScatterAddRows not supported on transposed tensor views")
	}

	r, c := t.Dims()
	sr, sc := st.Dims()
	if sr != len(indices) || sc != c {
		log.Panicf("ScatterAddRows: source %dx%d does not match %d indices x %d cols", sr, sc, len(indices), c)
	}

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			panic("ScatterAddRows index out of bounds")
		}
		dstRow := t.data[idx*c : (idx+1)*c]
		srcRow := st.data[i*c : (i+1)*c]
		simd.VecAdd(dstRow, srcRow)
	}
}

func (t *CPUTensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

func (t *CPUTensor) Softmax() {
	if t.trans {
		panic("Softmax on transposed")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		rowStart := i * c
		row := t.data[rowStart : rowStart+c]
		simd.SoftmaxFast(row)
	}
}

func (t *CPUTensor) Gelu() {
	if t.trans {
		log.Panic("Gelu not supported on transposed tensor views directly")
	}
	simd.GeluFast(t.data)
}

func (t *CPUTensor) Tanh() {
	if t.trans {
		log.Panic("Tanh not supported on transposed tensor views directly")
	}
	data := t.data
	for i, v := range data {
		data[i] = simd.TanhFast(v)
	}
}
