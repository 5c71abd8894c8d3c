// Package fts implements the inverted full-text index: tokenization,
// postings with positions, BM25 ranking, and the FTSI binary codec.
package fts

import (
	"strings"
	"unicode"

	"github.com/blevesearch/go-porterstemmer"
)

// Token is one term occurrence with its 0-based position and character
// offsets in the source text.
type Token struct {
	Term     string
	Position int
	Start    int
	End      int
}

// TokenizerOptions configures analysis. The same options must be used
// at index and query time.
type TokenizerOptions struct {
	MinWordLength  int
	MaxWordLength  int
	FilterStopword bool
	Stem           bool
}

func (o TokenizerOptions) withDefaults() TokenizerOptions {
	if o.MinWordLength <= 0 {
		o.MinWordLength = 2
	}
	if o.MaxWordLength <= 0 {
		o.MaxWordLength = 40
	}
	return o
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "if": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "such": {},
	"that": {}, "the": {}, "their": {}, "then": {}, "there": {}, "these": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "will": {}, "with": {},
}

// Tokenize splits text on non-alphanumeric boundaries, lowercases, and
// applies the configured stopword/stemming/length filters. Positions
// count emitted tokens; filtered tokens do not advance them, so phrase
// adjacency is preserved across stopwords only when filtering is off.
func Tokenize(text string, opts TokenizerOptions) []Token {
	opts = opts.withDefaults()
	var tokens []Token
	pos := 0
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		begin := start
		raw := strings.ToLower(text[begin:end])
		start = -1
		if len(raw) < opts.MinWordLength || len(raw) > opts.MaxWordLength {
			return
		}
		if opts.FilterStopword {
			if _, ok := stopwords[raw]; ok {
				return
			}
		}
		term := raw
		if opts.Stem {
			term = string(porterstemmer.StemWithoutLowerCasing([]rune(raw)))
		}
		tokens = append(tokens, Token{Term: term, Position: pos, Start: begin, End: end})
		pos++
	}
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))
	return tokens
}
