package backend

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// qwenPattern is the pre-tokenizer split used by the Qwen vocabulary. It
// differs from cl100k_base in splitting digits one at a time.
const qwenPattern = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`

// qwenExtraTokens is the number of <|extra_N|> special tokens after the
// ChatML markers.
const qwenExtraTokens = 205

// Codec is the token encoding a backend counts and decodes stop words with.
type Codec interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
}

// Tokenizer counts and round-trips tokens with a tiktoken BPE encoding.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer picks the vocabulary for a model: the Qwen BPE file at vocab
// when set, otherwise the named built-in encoding.
func NewTokenizer(vocab, encoding string) (*Tokenizer, error) {
	if vocab != "" {
		return NewQwenTokenizer(vocab)
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %q: %w", encoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// NewQwenTokenizer loads a qwen.tiktoken vocabulary file (one base64 token
// and its rank per line) and adds the Qwen special tokens after it.
func NewQwenTokenizer(path string) (*Tokenizer, error) {
	ranks, err := readRanks(path)
	if err != nil {
		return nil, err
	}

	special := map[string]int{}
	next := len(ranks)
	for _, tok := range []string{"<|endoftext|>", imStart, imEnd} {
		special[tok] = next
		next++
	}
	for i := range qwenExtraTokens {
		special[fmt.Sprintf("<|extra_%d|>", i)] = next
		next++
	}

	bpe, err := tiktoken.NewCoreBPE(ranks, special, qwenPattern)
	if err != nil {
		return nil, fmt.Errorf("building qwen vocabulary: %w", err)
	}
	set := make(map[string]any, len(special))
	for k := range special {
		set[k] = true
	}
	enc := &tiktoken.Encoding{
		Name:           "qwen",
		PatStr:         qwenPattern,
		MergeableRanks: ranks,
		SpecialTokens:  special,
	}
	return &Tokenizer{enc: tiktoken.NewTiktoken(bpe, enc, set)}, nil
}

func readRanks(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vocabulary: %w", err)
	}
	defer f.Close()

	ranks := make(map[string]int)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: want token and rank", path, line)
		}
		tok, err := base64.StdEncoding.DecodeString(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		rank, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		ranks[string(tok)] = rank
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	if len(ranks) == 0 {
		return nil, fmt.Errorf("%s: empty vocabulary", path)
	}
	return ranks, nil
}

// Encode treats special-token text as ordinary text.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	return t.enc.Encode(text, nil, nil), nil
}

func (t *Tokenizer) Decode(ids []int) string {
	return t.enc.Decode(ids)
}

// stopStrings decodes pre-tokenized stop words and appends the ChatML
// turn terminators.
func stopStrings(dec Codec, ids [][]int) []string {
	out := make([]string, 0, len(ids)+len(chatMLStops))
	for _, w := range ids {
		out = append(out, dec.Decode(w))
	}
	return append(out, chatMLStops...)
}
