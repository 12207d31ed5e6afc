package wrapper

import (
	"github.com/23skdu/longbow-gauntlet/internal/device"
)

// Output is the result of one model forward pass. Classification models
// produce Scores; generation models produce Strings. The closed union
// replaces runtime type sniffing on the model's raw return value.
type Output interface {
	isOutput()
}

// Scores holds one row of class scores per input text.
type Scores struct {
	Tensor device.Tensor
}

func (Scores) isOutput() {}

// Strings holds one generated string per input text.
type Strings []string

func (Strings) isOutput() {}
