// Package sqlguard hardens SQL-ish filter text and table/column
// identifiers. It is a gate, not a parser: input that trips any rule is
// rejected with an InjectionDetected query error.
package sqlguard

import (
	"regexp"
	"strings"

	"github.com/parquedb/parquedb/internal/types"
)

const maxNestingDepth = 15

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

var forbiddenKeywords = []string{
	"UNION", "DROP", "TRUNCATE", "ALTER", "CREATE",
	"EXEC", "EXECUTE", "INTO", "OUTFILE", "LOAD_FILE",
}

var reservedWords = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "AND": {}, "OR": {}, "NOT": {},
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "TABLE": {}, "INDEX": {},
	"JOIN": {}, "ON": {}, "AS": {}, "IN": {}, "IS": {}, "NULL": {},
	"LIKE": {}, "BETWEEN": {}, "ORDER": {}, "BY": {}, "GROUP": {},
	"HAVING": {}, "LIMIT": {}, "OFFSET": {}, "ALL": {},
	"GRANT": {}, "REVOKE": {}, "VALUES": {}, "SET": {},
}

func injection(detail string) error {
	return &types.QueryError{Kind: types.QueryInjectionDetected, Detail: detail}
}

// ValidateFilterSQL rejects multi-statement input, comment markers,
// dangerous keywords, unbalanced parentheses and excessive nesting.
func ValidateFilterSQL(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if i := strings.IndexByte(trimmed, ';'); i >= 0 && i != len(trimmed)-1 {
		return injection("multiple statements")
	}
	if strings.Contains(trimmed, "--") || strings.Contains(trimmed, "/*") || strings.Contains(trimmed, "#") {
		return injection("comment marker")
	}
	upper := strings.ToUpper(trimmed)
	for _, kw := range forbiddenKeywords {
		if containsWord(upper, kw) {
			return injection("forbidden keyword " + kw)
		}
	}
	depth, maxDepth := 0, 0
	for _, r := range trimmed {
		switch r {
		case '(':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')':
			depth--
			if depth < 0 {
				return injection("unbalanced parentheses")
			}
		}
	}
	if depth != 0 {
		return injection("unbalanced parentheses")
	}
	if maxDepth > maxNestingDepth {
		return injection("nesting too deep")
	}
	return nil
}

// containsWord matches kw on word boundaries so a column named
// "dropped_at" does not trip the DROP rule.
func containsWord(upper, kw string) bool {
	idx := 0
	for {
		i := strings.Index(upper[idx:], kw)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordByte(upper[i-1])
		afterIdx := i + len(kw)
		after := afterIdx >= len(upper) || !isWordByte(upper[afterIdx])
		if before && after {
			return true
		}
		idx = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// ValidateIdentifier checks a table or column name: shape plus not a
// reserved word.
func ValidateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return injection("invalid identifier " + name)
	}
	upper := strings.ToUpper(name)
	if _, reserved := reservedWords[upper]; reserved {
		return injection("reserved word " + name)
	}
	for _, kw := range forbiddenKeywords {
		if upper == kw {
			return injection("reserved word " + name)
		}
	}
	return nil
}

// EscapeLikePattern escapes % _ \ for use inside a LIKE pattern.
// Single-pass: already-present backslashes are escaped too, so the
// result is safe regardless of the input's prior escaping.
func EscapeLikePattern(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
