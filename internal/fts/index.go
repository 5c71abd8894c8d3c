package fts

import (
	"math"
	"sort"
	"sync"
)

// Posting records one (document, field) occurrence list for a term.
type Posting struct {
	DocID     string
	Field     string
	Frequency int
	Positions []int
}

// Options tunes the index. K1 and B are the BM25 parameters.
type Options struct {
	Tokenizer TokenizerOptions
	K1        float64
	B         float64
}

func (o Options) withDefaults() Options {
	if o.K1 <= 0 {
		o.K1 = 1.2
	}
	if o.B < 0 || o.B > 1 {
		o.B = 0.75
	}
	return o
}

// Index is the in-memory inverted index for one namespace. It is safe
// for concurrent use; writers take the exclusive lock.
type Index struct {
	mu        sync.RWMutex
	opts      Options
	terms     map[string][]Posting
	fieldLens map[string]map[string]int // docID -> field -> token count
	totalLens map[string]int            // docID -> total token count
}

// NewIndex returns an empty index.
func NewIndex(opts Options) *Index {
	return &Index{
		opts:      opts.withDefaults(),
		terms:     make(map[string][]Posting),
		fieldLens: make(map[string]map[string]int),
		totalLens: make(map[string]int),
	}
}

// DocumentCount returns the number of indexed documents.
func (ix *Index) DocumentCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.totalLens)
}

// Add indexes the given fields of one document, replacing any previous
// indexing of the same document.
func (ix *Index) Add(docID string, fields map[string]string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
	lens := make(map[string]int, len(fields))
	total := 0
	perTerm := make(map[string]map[string][]int) // term -> field -> positions
	for field, text := range fields {
		tokens := Tokenize(text, ix.opts.Tokenizer)
		lens[field] = len(tokens)
		total += len(tokens)
		for _, tok := range tokens {
			byField, ok := perTerm[tok.Term]
			if !ok {
				byField = make(map[string][]int)
				perTerm[tok.Term] = byField
			}
			byField[field] = append(byField[field], tok.Position)
		}
	}
	if total == 0 {
		return
	}
	ix.fieldLens[docID] = lens
	ix.totalLens[docID] = total
	for term, byField := range perTerm {
		for field, positions := range byField {
			ix.terms[term] = append(ix.terms[term], Posting{
				DocID:     docID,
				Field:     field,
				Frequency: len(positions),
				Positions: positions,
			})
		}
	}
}

// Remove drops a document from the index.
func (ix *Index) Remove(docID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
}

func (ix *Index) removeLocked(docID string) {
	if _, ok := ix.totalLens[docID]; !ok {
		return
	}
	delete(ix.fieldLens, docID)
	delete(ix.totalLens, docID)
	for term, postings := range ix.terms {
		kept := postings[:0]
		for _, p := range postings {
			if p.DocID != docID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(ix.terms, term)
		} else {
			ix.terms[term] = kept
		}
	}
}

// Hit is one ranked search result.
type Hit struct {
	DocID string
	Score float64
}

// Search parses the query and returns hits ranked by BM25 descending,
// ties broken by doc id ascending.
func (ix *Index) Search(query string) []Hit {
	parsed := ParseQuery(query, ix.opts.Tokenizer)
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := map[string]bool{}
	// Plain terms contribute candidates; required terms/phrases
	// constrain them; excluded terms/phrases remove them.
	for _, term := range parsed.Terms {
		for _, p := range ix.terms[term] {
			candidates[p.DocID] = true
		}
	}
	for _, term := range parsed.Required {
		docs := ix.docsWithTerm(term)
		if len(parsed.Terms) == 0 && len(candidates) == 0 {
			for d := range docs {
				candidates[d] = true
			}
		} else {
			for d := range candidates {
				if !docs[d] {
					delete(candidates, d)
				}
			}
		}
	}
	for _, phrase := range parsed.RequiredPhrases {
		docs := ix.docsWithPhrase(phrase)
		if len(parsed.Terms) == 0 && len(parsed.Required) == 0 && len(candidates) == 0 {
			for d := range docs {
				candidates[d] = true
			}
		} else {
			for d := range candidates {
				if !docs[d] {
					delete(candidates, d)
				}
			}
		}
	}
	for _, term := range parsed.Excluded {
		for d := range ix.docsWithTerm(term) {
			delete(candidates, d)
		}
	}
	for _, phrase := range parsed.ExcludedPhrases {
		for d := range ix.docsWithPhrase(phrase) {
			delete(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	scoring := append(append([]string(nil), parsed.Terms...), parsed.Required...)
	for _, phrase := range parsed.RequiredPhrases {
		scoring = append(scoring, phrase...)
	}
	hits := make([]Hit, 0, len(candidates))
	for doc := range candidates {
		hits = append(hits, Hit{DocID: doc, Score: ix.scoreLocked(doc, scoring)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	return hits
}

func (ix *Index) docsWithTerm(term string) map[string]bool {
	docs := map[string]bool{}
	for _, p := range ix.terms[term] {
		docs[p.DocID] = true
	}
	return docs
}

// docsWithPhrase returns documents containing the terms at consecutive
// positions within a single field.
func (ix *Index) docsWithPhrase(phrase []string) map[string]bool {
	docs := map[string]bool{}
	if len(phrase) == 0 {
		return docs
	}
	if len(phrase) == 1 {
		return ix.docsWithTerm(phrase[0])
	}
	// Positions of the first term, keyed by (doc, field).
	type docField struct{ doc, field string }
	starts := map[docField][]int{}
	for _, p := range ix.terms[phrase[0]] {
		starts[docField{p.DocID, p.Field}] = p.Positions
	}
	for key, positions := range starts {
		for _, start := range positions {
			ok := true
			for i := 1; i < len(phrase); i++ {
				if !ix.hasPositionLocked(phrase[i], key.doc, key.field, start+i) {
					ok = false
					break
				}
			}
			if ok {
				docs[key.doc] = true
				break
			}
		}
	}
	return docs
}

func (ix *Index) hasPositionLocked(term, doc, field string, pos int) bool {
	for _, p := range ix.terms[term] {
		if p.DocID != doc || p.Field != field {
			continue
		}
		for _, pp := range p.Positions {
			if pp == pos {
				return true
			}
		}
	}
	return false
}

// scoreLocked computes BM25 over the scoring terms for one document,
// summed across fields with document-level length normalization.
func (ix *Index) scoreLocked(doc string, terms []string) float64 {
	n := float64(len(ix.totalLens))
	if n == 0 {
		return 0
	}
	var avgLen float64
	for _, l := range ix.totalLens {
		avgLen += float64(l)
	}
	avgLen /= n
	docLen := float64(ix.totalLens[doc])

	seen := map[string]bool{}
	var score float64
	for _, term := range terms {
		if seen[term] {
			continue
		}
		seen[term] = true
		df := len(ix.docsWithTerm(term))
		if df == 0 {
			continue
		}
		tf := 0
		for _, p := range ix.terms[term] {
			if p.DocID == doc {
				tf += p.Frequency
			}
		}
		if tf == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		norm := 1 - ix.opts.B + ix.opts.B*docLen/avgLen
		score += idf * float64(tf) * (ix.opts.K1 + 1) / (float64(tf) + ix.opts.K1*norm)
	}
	return score
}
