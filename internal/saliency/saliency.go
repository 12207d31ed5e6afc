// Package saliency turns embedding gradients into per-token importance
// scores for attack-surface analysis.
package saliency

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-gauntlet/internal/device"
	"github.com/23skdu/longbow-gauntlet/internal/wrapper"
)

// TokenScore pairs a token with its importance score.
type TokenScore struct {
	Index int
	Token string
	Score float64
}

// TextSaliency holds the scored tokens of one input text.
type TextSaliency struct {
	Tokens []string
	// Scores holds the normalized per-token scores, index aligned with
	// Tokens, summing to 1 unless every score is zero.
	Scores []float64
	// Ranked lists the tokens in descending score order.
	Ranked []TokenScore
}

// FromGradients scores every token of every text by the L2 norm of its
// embedding-gradient row, normalized per text.
func FromGradients(res *wrapper.GradientResult) ([]TextSaliency, error) {
	if res == nil || len(res.Gradient) == 0 {
		return nil, fmt.Errorf("saliency: empty gradient result")
	}
	if len(res.Tokens) != len(res.Gradient) {
		return nil, fmt.Errorf("saliency: %d token lists for %d gradients", len(res.Tokens), len(res.Gradient))
	}

	out := make([]TextSaliency, len(res.Gradient))
	for i, grad := range res.Gradient {
		rows, _ := grad.Dims()
		if rows != len(res.Tokens[i]) {
			return nil, fmt.Errorf("saliency: text %d has %d tokens but %d gradient rows", i, len(res.Tokens[i]), rows)
		}
		out[i] = score(res.Tokens[i], l2Rows(grad))
	}
	return out, nil
}

// l2Rows returns the L2 norm of each tensor row.
func l2Rows(t device.Tensor) []float64 {
	rows, cols := t.Dims()
	norms := make([]float64, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			row[j] = float64(t.At(i, j))
		}
		norms[i] = floats.Norm(row, 2)
	}
	return norms
}

// DotRows scores tokens by gradient-times-input: the dot product of each
// gradient row with the matching input-embedding row. Both tensors must
// have the same shape.
func DotRows(grad, input device.Tensor) ([]float64, error) {
	gr, gc := grad.Dims()
	ir, ic := input.Dims()
	if gr != ir || gc != ic {
		return nil, fmt.Errorf("saliency: gradient is %dx%d, input is %dx%d", gr, gc, ir, ic)
	}

	scores := make([]float64, gr)
	a := make([]float64, gc)
	b := make([]float64, gc)
	for i := 0; i < gr; i++ {
		for j := 0; j < gc; j++ {
			a[j] = float64(grad.At(i, j))
			b[j] = float64(input.At(i, j))
		}
		scores[i] = floats.Dot(a, b)
	}
	return scores, nil
}

// score normalizes raw scores per text and builds the descending ranking.
func score(tokens []string, raw []float64) TextSaliency {
	if total := floats.Sum(raw); total > 0 {
		floats.Scale(1/total, raw)
	}

	ranked := make([]TokenScore, len(tokens))
	for i, tok := range tokens {
		ranked[i] = TokenScore{Index: i, Token: tok, Score: raw[i]}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Score > ranked[b].Score
	})

	return TextSaliency{Tokens: tokens, Scores: raw, Ranked: ranked}
}
