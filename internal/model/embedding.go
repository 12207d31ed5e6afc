package model

import (
	"sync"

	"github.com/23skdu/longbow-gauntlet/internal/device"
)

// EmbeddingLayer is the input-embedding lookup table of a model together
// with the gradient plumbing the probe API needs: a trainable flag, an
// accumulated weight gradient, and backward hooks that observe the layer's
// output gradient on every backward pass.
type EmbeddingLayer struct {
	mu        sync.Mutex
	backend   device.Backend
	weight    device.Tensor // VocabSize x HiddenSize
	grad      device.Tensor // lazily allocated, same shape as weight
	trainable bool
	hooks     map[int]func(grad device.Tensor)
	nextHook  int
}

func NewEmbeddingLayer(backend device.Backend, vocabSize, hiddenSize int) *EmbeddingLayer {
	return &EmbeddingLayer{
		backend: backend,
		weight:  backend.NewTensor(vocabSize, hiddenSize, nil),
		hooks:   make(map[int]func(device.Tensor)),
	}
}

// Weight returns the embedding weight tensor.
func (l *EmbeddingLayer) Weight() device.Tensor {
	return l.weight
}

// Grad returns the accumulated weight gradient, or nil if none has been
// accumulated since the last ZeroGrad.
func (l *EmbeddingLayer) Grad() device.Tensor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grad
}

func (l *EmbeddingLayer) Trainable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trainable
}

func (l *EmbeddingLayer) SetTrainable(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trainable = v
}

// RegisterBackwardHook installs fn to be called with the embedding layer's
// output gradient during backward passes. The returned func removes the
// hook; calling it more than once is harmless.
func (l *EmbeddingLayer) RegisterBackwardHook(fn func(grad device.Tensor)) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextHook
	l.nextHook++
	l.hooks[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.hooks, id)
	}
}

// HookCount reports the number of registered backward hooks.
func (l *EmbeddingLayer) HookCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hooks)
}

// ZeroGrad drops the accumulated weight gradient.
func (l *EmbeddingLayer) ZeroGrad() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grad = nil
}

// fireHooks delivers the output gradient to every registered hook in
// registration-independent order.
func (l *EmbeddingLayer) fireHooks(grad device.Tensor) {
	l.mu.Lock()
	fns := make([]func(device.Tensor), 0, len(l.hooks))
	for _, fn := range l.hooks {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(grad)
	}
}

// accumulate scatter-adds the per-token output gradient rows into the
// weight gradient at the looked-up vocabulary indices.
func (l *EmbeddingLayer) accumulate(indices []int, grad device.Tensor) {
	l.mu.Lock()
	if l.grad == nil {
		r, c := l.weight.Dims()
		l.grad = l.backend.NewTensor(r, c, nil)
	}
	g := l.grad
	l.mu.Unlock()

	g.ScatterAddRows(indices, grad)
}
