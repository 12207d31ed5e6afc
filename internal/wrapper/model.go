package wrapper

import (
	"github.com/23skdu/longbow-gauntlet/internal/device"
)

// Model is a trained model callable with named tensor arguments. Field names
// follow the tokenizer's conventions ("input_ids", "attention_mask", ...);
// every field tensor has one row per text in the batch.
type Model interface {
	// Backend returns the compute backend the model is resident on.
	Backend() device.Backend

	// Forward runs one forward pass over the named field tensors.
	Forward(fields map[string]device.Tensor) (Output, error)
}

// EmbeddingLayer exposes the input-embedding sublayer of a model for
// gradient introspection.
type EmbeddingLayer interface {
	// Trainable reports whether the embedding weight accumulates gradients.
	Trainable() bool
	SetTrainable(v bool)

	// RegisterBackwardHook installs fn to observe the output gradient of the
	// embedding layer on every backward pass. The returned func deregisters
	// the hook.
	RegisterBackwardHook(fn func(grad device.Tensor)) (remove func())
}

// GradientModel is the capability interface for models that support
// embedding-gradient extraction. Sequence-to-sequence generation models
// simply do not implement it.
type GradientModel interface {
	Model

	// InputEmbeddings returns the input-embedding lookup layer.
	InputEmbeddings() EmbeddingLayer

	// Train enables activation caching so Backward can run; Eval disables it.
	Train()
	Eval()

	// ZeroGrad clears any gradients accumulated on the model.
	ZeroGrad()

	// Backward propagates dScores (gradient of the loss with respect to the
	// model's score output) back to the embedding layer, firing registered
	// backward hooks along the way. Requires a preceding Forward in train
	// mode.
	Backward(dScores device.Tensor) error
}
