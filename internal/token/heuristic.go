// Package token provides the default token estimator used to budget combined
// output files. Downstream ingestion counts in model tokens, not bytes, so
// the batch writer needs an estimate that tracks byte-pair encodings more
// closely than a character count would.
package token

// Heuristic estimates tokens without a tokenizer vocabulary: roughly one
// token per four bytes of text, and never fewer than one token per
// whitespace-delimited word. Deterministic across runs and platforms.
type Heuristic struct{}

// Count implements crawler.TokenCounter. The limit hint is ignored; a single
// pass over the text is cheap enough to always run fully.
func (Heuristic) Count(text string, _ int) int {
	if text == "" {
		return 0
	}
	words := 0
	inWord := false
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				words++
				inWord = true
			}
		}
	}
	byBytes := (len(text) + 3) / 4
	if words > byBytes {
		return words
	}
	return byBytes
}
