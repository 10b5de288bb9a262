package generator

import (
	"fmt"
	"strings"
	"sync"
)

// WhitespaceTokenizer is a deterministic demo Tokenizer: it splits on
// whitespace and assigns each distinct word the next free id, wrapping
// around vocabSize. It exists because the real tokenizer is an external
// collaborator outside this module's scope (spec §1) and the CLI still
// needs something to turn a prompt into token ids.
type WhitespaceTokenizer struct {
	mu        sync.Mutex
	vocabSize int64
	toID      map[string]int64
	toWord    []string
}

// NewWhitespaceTokenizer returns a tokenizer whose ids stay within
// [0, vocabSize).
func NewWhitespaceTokenizer(vocabSize int64) *WhitespaceTokenizer {
	return &WhitespaceTokenizer{vocabSize: vocabSize, toID: map[string]int64{}}
}

func (t *WhitespaceTokenizer) Encode(text string) ([]int64, error) {
	words := strings.Fields(text)
	ids := make([]int64, len(words))
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range words {
		id, ok := t.toID[w]
		if !ok {
			id = int64(len(t.toWord)) % t.vocabSize
			t.toID[w] = id
			t.toWord = append(t.toWord, w)
		}
		ids[i] = id
	}
	return ids, nil
}

func (t *WhitespaceTokenizer) Decode(ids []int64) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && int(id) < len(t.toWord) {
			words = append(words, t.toWord[id])
		} else {
			words = append(words, fmt.Sprintf("<%d>", id))
		}
	}
	return strings.Join(words, " "), nil
}
