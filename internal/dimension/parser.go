package dimension

import (
	"regexp"
	"strings"
)

// Source identifies where an atom reads its value from.
type Source string

const (
	SourceTag Source = "TAG"
	// SourceDim covers both DIMENSION and its BUSINESS_DIMENSION alias.
	SourceDim Source = "DIM"
)

// Op is the comparison operator of an atom.
type Op string

const (
	OpEqual    Op = "=="
	OpContains Op = "CONTAINS"
)

// Atom is a single SRC['key'] OP 'literal' term. The literal is stored
// lowercased; matching is case-insensitive throughout.
type Atom struct {
	Source Source
	Key    string
	Op     Op
	Value  string
}

// Compiled once at package level.
var (
	tagPattern   = regexp.MustCompile(`TAG\['([^']+)'\]\s*(==|CONTAINS)\s*'([^']*)'`)
	dimPattern   = regexp.MustCompile(`(?:BUSINESS_)?DIMENSION\['([^']+)'\]\s*(==|CONTAINS)\s*'([^']*)'`)
	valuePattern = regexp.MustCompile(`'([^']*)'`)
)

// parseAtom parses one comparison term; returns false if it is not
// recognizable as either a TAG or a DIMENSION accessor.
func parseAtom(expr string) (Atom, bool) {
	if m := tagPattern.FindStringSubmatch(expr); m != nil {
		return Atom{Source: SourceTag, Key: m[1], Op: Op(m[2]), Value: strings.ToLower(m[3])}, true
	}
	if m := dimPattern.FindStringSubmatch(expr); m != nil {
		return Atom{Source: SourceDim, Key: m[1], Op: Op(m[2]), Value: strings.ToLower(m[3])}, true
	}
	return Atom{}, false
}

// ParseExpression parses a match expression into its atoms. Atoms are OR'd
// together; unparseable terms are dropped.
func ParseExpression(matchExpr string) []Atom {
	parts := strings.Split(matchExpr, " || ")
	atoms := make([]Atom, 0, len(parts))
	for _, part := range parts {
		if atom, ok := parseAtom(strings.TrimSpace(part)); ok {
			atoms = append(atoms, atom)
		}
	}
	return atoms
}

// ParseValueExpression unwraps a single-quoted literal. "'Some Value'"
// becomes "Some Value"; anything unquoted is returned trimmed.
func ParseValueExpression(valueExpr string) string {
	if m := valuePattern.FindStringSubmatch(valueExpr); m != nil {
		return m[1]
	}
	return strings.Trim(valueExpr, `'"`)
}
