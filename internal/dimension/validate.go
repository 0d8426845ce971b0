package dimension

import (
	"encoding/json"
	"fmt"
)

// Validate checks a raw dimension document and returns human-readable error
// messages. An empty slice means the document is valid. Callers decide
// whether to abort; validation itself never returns a Go error.
func Validate(raw json.RawMessage) []string {
	var errs []string

	var doc struct {
		VtagName   string          `json:"vtagName"`
		Name       string          `json:"name"`
		Statements json.RawMessage `json:"statements"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{fmt.Sprintf("document is not a JSON object: %v", err)}
	}

	if doc.VtagName == "" && doc.Name == "" {
		errs = append(errs, "missing required field: vtagName or name")
	}

	if len(doc.Statements) == 0 {
		return errs
	}

	var statements []json.RawMessage
	if err := json.Unmarshal(doc.Statements, &statements); err != nil {
		errs = append(errs, "'statements' must be a list")
		return errs
	}

	for i, rawStmt := range statements {
		var stmt Statement
		if err := json.Unmarshal(rawStmt, &stmt); err != nil {
			errs = append(errs, fmt.Sprintf("statement %d: must be an object", i))
			continue
		}
		if stmt.MatchExpression == "" {
			errs = append(errs, fmt.Sprintf("statement %d: missing matchExpression", i))
			continue
		}
		if stmt.ValueExpression == "" {
			errs = append(errs, fmt.Sprintf("statement %d: missing valueExpression", i))
			continue
		}
		if len(ParseExpression(stmt.MatchExpression)) == 0 {
			errs = append(errs, fmt.Sprintf("statement %d: cannot parse matchExpression: %s",
				i, stmt.MatchExpression))
		}
		if ParseValueExpression(stmt.ValueExpression) == "" {
			errs = append(errs, fmt.Sprintf("statement %d: empty valueExpression", i))
		}
	}
	return errs
}
