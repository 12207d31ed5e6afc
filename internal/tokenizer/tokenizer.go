package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Standard field names produced by Encode. Models receive these as named
// tensor arguments.
const (
	FieldInputIDs      = "input_ids"
	FieldAttentionMask = "attention_mask"
	FieldTokenTypeIDs  = "token_type_ids"
)

// EncodedInput maps a field name to an integer sequence for one text.
type EncodedInput map[string][]int

// Len returns the sequence length of the primary id field.
func (e EncodedInput) Len() int {
	return len(e[FieldInputIDs])
}

// Tokenizer defines the interface for text tokenization.
type Tokenizer interface {
	Tokenize(text string) ([]string, []int)
	Encode(text string) EncodedInput
	ConvertIDsToTokens(ids []int) []string
}

// WordPieceTokenizer implements the WordPiece tokenization algorithm.
type WordPieceTokenizer struct {
	vocab         map[string]int
	invVocab      map[int]string
	maxInputChars int
	maxSeqLen     int
	unkToken      string
	clsToken      string
	sepToken      string
	neverSplit    map[string]bool
}

// NewWordPieceTokenizer creates a new WordPieceTokenizer from a vocab file.
func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	vocab, err := loadVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	return NewFromVocab(vocab)
}

// NewFromVocab creates a tokenizer from an in-memory vocabulary.
func NewFromVocab(vocab map[string]int) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{
		vocab:         vocab,
		invVocab:      make(map[int]string, len(vocab)),
		maxInputChars: 200,
		maxSeqLen:     512,
		unkToken:      "[UNK]",
		clsToken:      "[CLS]",
		sepToken:      "[SEP]",
		neverSplit: map[string]bool{
			"[UNK]": true, "[SEP]": true, "[PAD]": true, "[CLS]": true, "[MASK]": true,
		},
	}
	for k, v := range vocab {
		t.invVocab[v] = k
	}

	for _, special := range []string{t.unkToken, t.clsToken, t.sepToken} {
		if _, ok := vocab[special]; !ok {
			return nil, fmt.Errorf("vocab is missing required special token %s", special)
		}
	}
	return t, nil
}

// loadVocab reads a BERT-style vocab.txt file.
func loadVocab(path string) (map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	vocab := make(map[string]int)
	scanner := bufio.NewScanner(file)
	index := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			vocab[line] = index
			index++
		}
	}
	return vocab, scanner.Err()
}

// VocabSize returns the number of entries in the vocabulary.
func (t *WordPieceTokenizer) VocabSize() int {
	return len(t.vocab)
}

// isPunctuation checks if a rune is a punctuation character.
func isPunctuation(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// splitOnPunctuation splits text on whitespace and punctuation, keeping
// punctuation as separate tokens. It respects neverSplit tokens.
func (t *WordPieceTokenizer) splitOnPunctuation(text string) []string {
	var tokens []string

	runes := []rune(text)
	var currentToken strings.Builder

	i := 0
	for i < len(runes) {
		// Special tokens pass through whole. Text is short (<=512 chars) so
		// the repeated suffix conversion is acceptable.
		suffix := string(runes[i:])
		matched := false
		for ns := range t.neverSplit {
			if strings.HasPrefix(suffix, ns) {
				if currentToken.Len() > 0 {
					tokens = append(tokens, currentToken.String())
					currentToken.Reset()
				}
				tokens = append(tokens, ns)
				i += len([]rune(ns))
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		r := runes[i]
		if isPunctuation(r) {
			if currentToken.Len() > 0 {
				tokens = append(tokens, currentToken.String())
				currentToken.Reset()
			}
			tokens = append(tokens, string(r))
		} else if unicode.IsSpace(r) {
			if currentToken.Len() > 0 {
				tokens = append(tokens, currentToken.String())
				currentToken.Reset()
			}
			// Whitespace is eaten (not added as token)
		} else {
			currentToken.WriteRune(r)
		}
		i++
	}
	if currentToken.Len() > 0 {
		tokens = append(tokens, currentToken.String())
	}
	return tokens
}

// Tokenize implements the WordPiece algorithm. It returns the sub-word
// tokens and their vocabulary ids, without special-token framing.
func (t *WordPieceTokenizer) Tokenize(text string) ([]string, []int) {
	rawTokens := t.splitOnPunctuation(text)

	outputTokens := make([]string, 0, len(rawTokens)*2)
	outputIDs := make([]int, 0, len(rawTokens)*2)

	for _, token := range rawTokens {
		if token == "" {
			continue
		}

		if t.neverSplit[token] {
			if id, ok := t.vocab[token]; ok {
				outputTokens = append(outputTokens, token)
				outputIDs = append(outputIDs, id)
				continue
			}
		}

		// Normalization for regular tokens
		normToken := strings.ToLower(token)
		tform := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		normToken, _, _ = transform.String(tform, normToken)

		if len(normToken) > t.maxInputChars {
			outputTokens = append(outputTokens, t.unkToken)
			outputIDs = append(outputIDs, t.vocab[t.unkToken])
			continue
		}

		// Greedy longest-match-first sub-word split
		isBad := false
		start := 0
		var subTokens []string
		for start < len(normToken) {
			end := len(normToken)
			var curSubstr string
			for start < end {
				substr := normToken[start:end]
				if start > 0 {
					substr = "##" + substr
				}
				if _, ok := t.vocab[substr]; ok {
					curSubstr = substr
					break
				}
				end--
			}
			if curSubstr == "" {
				isBad = true
				break
			}
			subTokens = append(subTokens, curSubstr)
			start = end
		}

		if isBad {
			outputTokens = append(outputTokens, t.unkToken)
			outputIDs = append(outputIDs, t.vocab[t.unkToken])
		} else {
			for _, st := range subTokens {
				outputTokens = append(outputTokens, st)
				outputIDs = append(outputIDs, t.vocab[st])
			}
		}
	}

	return outputTokens, outputIDs
}

// Encode converts one text into the named integer fields a model consumes:
// input ids with [CLS]/[SEP] framing, an all-ones attention mask and zero
// token type ids. Sequences longer than the tokenizer limit are truncated
// before the trailing [SEP].
func (t *WordPieceTokenizer) Encode(text string) EncodedInput {
	_, ids := t.Tokenize(text)

	if len(ids) > t.maxSeqLen-2 {
		ids = ids[:t.maxSeqLen-2]
	}

	inputIDs := make([]int, 0, len(ids)+2)
	inputIDs = append(inputIDs, t.vocab[t.clsToken])
	inputIDs = append(inputIDs, ids...)
	inputIDs = append(inputIDs, t.vocab[t.sepToken])

	mask := make([]int, len(inputIDs))
	for i := range mask {
		mask[i] = 1
	}

	return EncodedInput{
		FieldInputIDs:      inputIDs,
		FieldAttentionMask: mask,
		FieldTokenTypeIDs:  make([]int, len(inputIDs)),
	}
}

// EncodeBatch encodes texts in order.
func (t *WordPieceTokenizer) EncodeBatch(texts []string) []EncodedInput {
	out := make([]EncodedInput, len(texts))
	for i, text := range texts {
		out[i] = t.Encode(text)
	}
	return out
}

// ConvertIDsToTokens maps vocabulary ids back to their token strings.
// Unknown ids decode to the unknown token.
func (t *WordPieceTokenizer) ConvertIDsToTokens(ids []int) []string {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if tok, ok := t.invVocab[id]; ok {
			tokens[i] = tok
		} else {
			tokens[i] = t.unkToken
		}
	}
	return tokens
}
