package tokenizer

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testVocab() map[string]int {
	vocab := map[string]int{}
	for i, tok := range []string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"hello", "world", "hi", "how", "are", "you",
		"good", "bad", "movie",
		"##lo", "##ld", "##i",
	} {
		vocab[tok] = i
	}
	return vocab
}

func TestTokenizer(t *testing.T) {
	tk, err := NewFromVocab(testVocab())
	require.NoError(t, err)

	t.Run("BasicTokenize", func(t *testing.T) {
		tokens, ids := tk.Tokenize("Hello world")
		require.Equal(t, []string{"hello", "world"}, tokens)
		require.Equal(t, []int{5, 6}, ids)
	})

	t.Run("WordPieceSplit", func(t *testing.T) {
		tokens, ids := tk.Tokenize("hellold")
		require.Equal(t, []string{"hello", "##ld"}, tokens)
		require.Equal(t, []int{5, 15}, ids)
	})

	t.Run("UNKHandling", func(t *testing.T) {
		tokens, ids := tk.Tokenize("unknownword")
		require.Equal(t, []string{"[UNK]"}, tokens)
		require.Equal(t, []int{1}, ids)
	})

	t.Run("Normalization", func(t *testing.T) {
		tokens, ids := tk.Tokenize("Héllo")
		require.Equal(t, []string{"hello"}, tokens)
		require.Equal(t, []int{5}, ids)
	})
}

func TestVocabFileLoading(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "vocab")
	require.NoError(t, err)
	for _, tok := range []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "hello"} {
		_, err := f.WriteString(tok + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	tk, err := NewWordPieceTokenizer(f.Name())
	require.NoError(t, err)
	require.Equal(t, 5, tk.VocabSize())

	_, ids := tk.Tokenize("hello")
	require.Equal(t, []int{4}, ids)
}

func TestMissingSpecialTokens(t *testing.T) {
	_, err := NewFromVocab(map[string]int{"hello": 0})
	require.Error(t, err)
}

func TestEncode(t *testing.T) {
	tk, err := NewFromVocab(testVocab())
	require.NoError(t, err)

	enc := tk.Encode("good movie")

	require.Equal(t, []int{2, 11, 13, 3}, enc[FieldInputIDs], "[CLS] good movie [SEP]")
	require.Equal(t, []int{1, 1, 1, 1}, enc[FieldAttentionMask])
	require.Equal(t, []int{0, 0, 0, 0}, enc[FieldTokenTypeIDs])
	require.Equal(t, 4, enc.Len())
}

func TestEncodeBatchOrder(t *testing.T) {
	tk, err := NewFromVocab(testVocab())
	require.NoError(t, err)

	encs := tk.EncodeBatch([]string{"good movie", "bad movie"})
	require.Len(t, encs, 2)
	require.Equal(t, []int{2, 11, 13, 3}, encs[0][FieldInputIDs])
	require.Equal(t, []int{2, 12, 13, 3}, encs[1][FieldInputIDs])
}

func TestConvertIDsToTokensRoundTrip(t *testing.T) {
	tk, err := NewFromVocab(testVocab())
	require.NoError(t, err)

	enc := tk.Encode("good movie")
	tokens := tk.ConvertIDsToTokens(enc[FieldInputIDs])
	require.Equal(t, []string{"[CLS]", "good", "movie", "[SEP]"}, tokens)

	// Unknown ids decode to [UNK]
	require.Equal(t, []string{"[UNK]"}, tk.ConvertIDsToTokens([]int{9999}))
}

func TestEncodeTruncation(t *testing.T) {
	tk, err := NewFromVocab(testVocab())
	require.NoError(t, err)
	tk.maxSeqLen = 6

	enc := tk.Encode("good movie bad movie good movie")
	require.Equal(t, 6, enc.Len())
	ids := enc[FieldInputIDs]
	require.Equal(t, 2, ids[0], "starts with [CLS]")
	require.Equal(t, 3, ids[len(ids)-1], "ends with [SEP]")
}
