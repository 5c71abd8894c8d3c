package fts

import (
	"testing"
)

func defaultOpts() Options {
	return Options{Tokenizer: TokenizerOptions{MinWordLength: 2, MaxWordLength: 40}}
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Hello, World! foo-bar42", TokenizerOptions{MinWordLength: 2, MaxWordLength: 40})
	want := []string{"hello", "world", "foo", "bar42"}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens %v, want %d", len(tokens), tokens, len(want))
	}
	for i, tok := range tokens {
		if tok.Term != want[i] {
			t.Errorf("token %d = %q, want %q", i, tok.Term, want[i])
		}
		if tok.Position != i {
			t.Errorf("token %d position = %d", i, tok.Position)
		}
	}
	if tokens[0].Start != 0 || tokens[0].End != 5 {
		t.Errorf("offsets of hello = [%d,%d)", tokens[0].Start, tokens[0].End)
	}
}

func TestTokenizeLengthBounds(t *testing.T) {
	tokens := Tokenize("a ab abc", TokenizerOptions{MinWordLength: 2, MaxWordLength: 2})
	if len(tokens) != 1 || tokens[0].Term != "ab" {
		t.Fatalf("tokens = %v, want only ab", tokens)
	}
}

func TestTokenizeStopwords(t *testing.T) {
	tokens := Tokenize("the quick fox", TokenizerOptions{MinWordLength: 2, MaxWordLength: 40, FilterStopword: true})
	if len(tokens) != 2 || tokens[0].Term != "quick" || tokens[1].Term != "fox" {
		t.Fatalf("tokens = %v", tokens)
	}
}

func TestTokenizeStemming(t *testing.T) {
	tokens := Tokenize("running databases", TokenizerOptions{MinWordLength: 2, MaxWordLength: 40, Stem: true})
	if len(tokens) != 2 {
		t.Fatalf("tokens = %v", tokens)
	}
	if tokens[0].Term == "running" {
		t.Errorf("stemming did not apply: %q", tokens[0].Term)
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix := NewIndex(defaultOpts())
	ix.Add("doc1", map[string]string{"title": "Database Systems"})
	ix.Add("doc2", map[string]string{"title": "Database Management"})
	ix.Add("doc3", map[string]string{"title": "Web Systems"})
	return ix
}

func TestSearchPlainTerm(t *testing.T) {
	ix := newTestIndex(t)
	hits := ix.Search("database")
	if len(hits) != 2 {
		t.Fatalf("hits = %v, want doc1 and doc2", hits)
	}
}

func TestSearchExcludedPhrase(t *testing.T) {
	ix := newTestIndex(t)
	hits := ix.Search(`database -"database systems"`)
	if len(hits) != 1 || hits[0].DocID != "doc2" {
		t.Fatalf("hits = %v, want exactly doc2", hits)
	}
}

func TestSearchRequiredPhrase(t *testing.T) {
	ix := newTestIndex(t)
	hits := ix.Search(`+"database systems"`)
	if len(hits) != 1 || hits[0].DocID != "doc1" {
		t.Fatalf("hits = %v, want doc1", hits)
	}
}

func TestSearchPhraseRequiresAdjacency(t *testing.T) {
	ix := NewIndex(defaultOpts())
	ix.Add("d1", map[string]string{"body": "database modern systems"})
	if hits := ix.Search(`"database systems"`); len(hits) != 0 {
		t.Fatalf("non-adjacent phrase matched: %v", hits)
	}
}

func TestSearchRequiredTerm(t *testing.T) {
	ix := newTestIndex(t)
	hits := ix.Search("systems +web")
	if len(hits) != 1 || hits[0].DocID != "doc3" {
		t.Fatalf("hits = %v, want doc3", hits)
	}
}

func TestBM25RanksRarerTermHigher(t *testing.T) {
	ix := NewIndex(defaultOpts())
	ix.Add("common1", map[string]string{"body": "storage storage storage"})
	ix.Add("common2", map[string]string{"body": "storage engine"})
	ix.Add("rare", map[string]string{"body": "columnar engine"})
	hits := ix.Search("columnar")
	if len(hits) != 1 || hits[0].DocID != "rare" {
		t.Fatalf("hits = %v", hits)
	}
	if hits[0].Score <= 0 {
		t.Fatalf("score = %f, want positive", hits[0].Score)
	}
}

func TestRemove(t *testing.T) {
	ix := newTestIndex(t)
	ix.Remove("doc1")
	if hits := ix.Search("database"); len(hits) != 1 || hits[0].DocID != "doc2" {
		t.Fatalf("hits after remove = %v", hits)
	}
	if ix.DocumentCount() != 2 {
		t.Fatalf("doc count = %d", ix.DocumentCount())
	}
}

func TestCodecRoundTrip(t *testing.T) {
	ix := newTestIndex(t)
	data := ix.Encode()
	if string(data[:4]) != Magic {
		t.Fatalf("magic = %q", data[:4])
	}
	back, err := Decode(data, defaultOpts())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.DocumentCount() != 3 {
		t.Fatalf("doc count = %d", back.DocumentCount())
	}
	hits := back.Search(`database -"database systems"`)
	if len(hits) != 1 || hits[0].DocID != "doc2" {
		t.Fatalf("hits after round trip = %v", hits)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	if _, err := Decode([]byte("XXXX\x00\x01junk"), defaultOpts()); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	ix := newTestIndex(t)
	data := ix.Encode()
	if _, err := Decode(data[:len(data)-5], defaultOpts()); err == nil {
		t.Fatal("expected error for truncated artifact")
	}
}

func TestDecodeLegacyJSON(t *testing.T) {
	legacy := []byte(`{
		"terms": {"database": [{"DocID":"doc1","Field":"title","Frequency":1,"Positions":[0]}]},
		"docs": {"doc1": {"title": 2}}
	}`)
	ix, err := Decode(legacy, defaultOpts())
	if err != nil {
		t.Fatalf("decode legacy: %v", err)
	}
	if hits := ix.Search("database"); len(hits) != 1 || hits[0].DocID != "doc1" {
		t.Fatalf("hits = %v", hits)
	}
}

func TestParseQuery(t *testing.T) {
	q := ParseQuery(`alpha +beta -gamma "delta epsilon" -"zeta eta"`, TokenizerOptions{MinWordLength: 2, MaxWordLength: 40})
	if len(q.Terms) != 1 || q.Terms[0] != "alpha" {
		t.Errorf("terms = %v", q.Terms)
	}
	if len(q.Required) != 1 || q.Required[0] != "beta" {
		t.Errorf("required = %v", q.Required)
	}
	if len(q.Excluded) != 1 || q.Excluded[0] != "gamma" {
		t.Errorf("excluded = %v", q.Excluded)
	}
	if len(q.RequiredPhrases) != 1 || len(q.RequiredPhrases[0]) != 2 {
		t.Errorf("required phrases = %v", q.RequiredPhrases)
	}
	if len(q.ExcludedPhrases) != 1 || len(q.ExcludedPhrases[0]) != 2 {
		t.Errorf("excluded phrases = %v", q.ExcludedPhrases)
	}
}
