package generator

import "testing"

func TestWhitespaceTokenizerRoundTripsDistinctWords(t *testing.T) {
	tok := NewWhitespaceTokenizer(100)

	ids, err := tok.Encode("the quick brown fox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("got %d ids, want 4", len(ids))
	}

	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "the quick brown fox" {
		t.Fatalf("got %q, want %q", text, "the quick brown fox")
	}
}

func TestWhitespaceTokenizerReusesIDForRepeatedWord(t *testing.T) {
	tok := NewWhitespaceTokenizer(100)

	first, _ := tok.Encode("hello hello")
	if first[0] != first[1] {
		t.Fatalf("expected the repeated word to reuse the same id, got %v", first)
	}
}

func TestWhitespaceTokenizerDecodeUnknownIDIsPlaceholder(t *testing.T) {
	tok := NewWhitespaceTokenizer(10)
	text, err := tok.Decode([]int64{9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "<9>" {
		t.Fatalf("got %q, want %q", text, "<9>")
	}
}

func TestWhitespaceTokenizerEncodeEmptyStringYieldsNoTokens(t *testing.T) {
	tok := NewWhitespaceTokenizer(10)
	ids, err := tok.Encode("   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("got %d ids, want 0", len(ids))
	}
}
