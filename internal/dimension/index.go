package dimension

// exactKey is the (key, lowercased value) lookup tuple.
type exactKey struct {
	Key   string
	Value string
}

// ContainsRule is one ordered substring rule.
type ContainsRule struct {
	Key       string
	Substring string
	Result    string
}

// Index holds the fast-lookup tables compiled from a dimension's statements.
// Exact tables are first-wins: earlier statements take precedence on a
// duplicate (key, value) pair. Contains lists preserve statement order.
type Index struct {
	TagExact    map[exactKey]string
	DimExact    map[exactKey]string
	TagContains []ContainsRule
	DimContains []ContainsRule

	TagKeysUsed map[string]struct{}
	DimKeysUsed map[string]struct{}
}

// BuildIndex pre-parses all statements into lookup tables.
func BuildIndex(statements []Statement) *Index {
	idx := &Index{
		TagExact:    make(map[exactKey]string),
		DimExact:    make(map[exactKey]string),
		TagKeysUsed: make(map[string]struct{}),
		DimKeysUsed: make(map[string]struct{}),
	}

	for _, stmt := range statements {
		result := ParseValueExpression(stmt.ValueExpression)

		for _, atom := range ParseExpression(stmt.MatchExpression) {
			k := exactKey{Key: atom.Key, Value: atom.Value}

			switch atom.Source {
			case SourceTag:
				idx.TagKeysUsed[atom.Key] = struct{}{}
				switch atom.Op {
				case OpEqual:
					if _, dup := idx.TagExact[k]; !dup {
						idx.TagExact[k] = result
					}
				case OpContains:
					idx.TagContains = append(idx.TagContains, ContainsRule{
						Key: atom.Key, Substring: atom.Value, Result: result,
					})
				}
			case SourceDim:
				idx.DimKeysUsed[atom.Key] = struct{}{}
				switch atom.Op {
				case OpEqual:
					if _, dup := idx.DimExact[k]; !dup {
						idx.DimExact[k] = result
					}
				case OpContains:
					idx.DimContains = append(idx.DimContains, ContainsRule{
						Key: atom.Key, Substring: atom.Value, Result: result,
					})
				}
			}
		}
	}
	return idx
}

// LookupTagExact returns the exact-match result for a (key, lowered value).
func (idx *Index) LookupTagExact(key, loweredValue string) (string, bool) {
	v, ok := idx.TagExact[exactKey{Key: key, Value: loweredValue}]
	return v, ok
}

// LookupDimExact returns the exact-match result for a (name, lowered value).
func (idx *Index) LookupDimExact(key, loweredValue string) (string, bool) {
	v, ok := idx.DimExact[exactKey{Key: key, Value: loweredValue}]
	return v, ok
}
