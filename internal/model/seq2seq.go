package model

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/tokenizer"
	"github.com/23skdu/longbow-gauntlet/internal/wrapper"
)

// TokenDecoder maps vocabulary ids back to token strings.
type TokenDecoder interface {
	ConvertIDsToTokens(ids []int) []string
}

// Seq2Seq is a small encoder-decoder that greedily generates one output
// string per input. It implements wrapper.Model but intentionally not
// wrapper.GradientModel: generation has no differentiable score surface,
// so gradient probes against it fail with wrapper.ErrUnsupported.
type Seq2Seq struct {
	Config  Config
	backend device.Backend

	embeddings device.Tensor // VocabSize x HiddenSize, tied encoder/decoder
	proj       device.Tensor // HiddenSize x VocabSize

	decoder      TokenDecoder
	stopID       int
	maxNewTokens int
}

var _ wrapper.Model = (*Seq2Seq)(nil)

// NewSeq2Seq creates a generation model. stopID is the vocabulary id that
// terminates decoding, typically the [SEP] token.
func NewSeq2Seq(cfg Config, backend device.Backend, decoder TokenDecoder, stopID int) *Seq2Seq {
	s := &Seq2Seq{
		Config:       cfg,
		backend:      backend,
		embeddings:   backend.NewTensor(cfg.VocabSize, cfg.HiddenSize, nil),
		proj:         backend.NewTensor(cfg.HiddenSize, cfg.VocabSize, nil),
		decoder:      decoder,
		stopID:       stopID,
		maxNewTokens: 8,
	}
	xavierInit(s.embeddings)
	xavierInit(s.proj)
	return s
}

func (s *Seq2Seq) Backend() device.Backend {
	return s.backend
}

// Forward greedily decodes one string per input row.
func (s *Seq2Seq) Forward(fields map[string]device.Tensor) (wrapper.Output, error) {
	idsT, ok := fields[tokenizer.FieldInputIDs]
	if !ok {
		return nil, fmt.Errorf("model: missing field %q", tokenizer.FieldInputIDs)
	}
	rows, cols := idsT.Dims()
	maskT := fields[tokenizer.FieldAttentionMask]

	out := make(wrapper.Strings, rows)
	for i := 0; i < rows; i++ {
		length := cols
		if maskT != nil {
			length = 0
			for j := 0; j < cols; j++ {
				if maskT.At(i, j) > 0.5 {
					length++
				} else {
					break
				}
			}
		}
		if length == 0 {
			return nil, fmt.Errorf("model: input %d has zero-length attention mask", i)
		}

		ids := make([]int, length)
		for j := 0; j < length; j++ {
			id := int(idsT.At(i, j))
			if id < 0 || id >= s.Config.VocabSize {
				return nil, fmt.Errorf("model: input id %d out of vocab range [0, %d)", id, s.Config.VocabSize)
			}
			ids[j] = id
		}
		out[i] = s.generate(ids)
	}
	return out, nil
}

// generate runs mean-pooled encoding followed by greedy decoding.
func (s *Seq2Seq) generate(ids []int) string {
	h := s.Config.HiddenSize

	emb := s.embeddings.Gather(ids)
	state := s.backend.NewTensor(1, h, nil)
	stateData := state.Data()
	embData := emb.Data()
	inv := float32(1.0 / float64(len(ids)))
	for t := 0; t < len(ids); t++ {
		for j := 0; j < h; j++ {
			stateData[j] += embData[t*h+j] * inv
		}
	}

	logits := s.backend.GetTensor(1, s.Config.VocabSize)
	var generated []int
	for step := 0; step < s.maxNewTokens; step++ {
		logits.Mul(state, s.proj)

		best, bestVal := 0, logits.At(0, 0)
		for j := 1; j < s.Config.VocabSize; j++ {
			if v := logits.At(0, j); v > bestVal {
				best, bestVal = j, v
			}
		}
		if best == s.stopID {
			break
		}
		generated = append(generated, best)

		// Fold the emitted token back into the decoder state.
		tok := s.embeddings.Gather([]int{best})
		state.Scale(0.5)
		state.AddScaled(tok, 0.5)
	}
	s.backend.PutTensor(logits)

	return strings.Join(s.decoder.ConvertIDsToTokens(generated), " ")
}
