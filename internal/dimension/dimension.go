// Package dimension compiles user-defined dimension rule sets into lookup
// indexes the resolution engine evaluates per resource.
package dimension

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// Statement is one (match, value) rule within a dimension.
type Statement struct {
	MatchExpression string `json:"matchExpression"`
	ValueExpression string `json:"valueExpression"`
}

// Content is the persisted dimension record.
type Content struct {
	VtagName     string      `json:"vtagName"`
	Index        int         `json:"index"`
	Kind         string      `json:"kind"`
	DefaultValue string      `json:"defaultValue"`
	Source       string      `json:"source,omitempty"`
	Statements   []Statement `json:"statements"`
}

// DecodeContent parses a raw dimension document. Documents may carry the
// display field "name" instead of "vtagName"; the alias is folded in so a
// name-only document never compiles to a dimension named "".
func DecodeContent(raw []byte) (Content, error) {
	var doc struct {
		Content
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Content{}, err
	}
	if doc.Content.VtagName == "" {
		doc.Content.VtagName = doc.Name
	}
	return doc.Content, nil
}

// Dimension is a compiled dimension ready for evaluation.
type Dimension struct {
	Name         string
	OrderIndex   int
	Kind         string
	DefaultValue string
	Statements   []Statement
	Index        *Index
}

// New compiles a persisted record into an evaluable dimension.
func New(content Content) *Dimension {
	return &Dimension{
		Name:         content.VtagName,
		OrderIndex:   content.Index,
		Kind:         content.Kind,
		DefaultValue: content.DefaultValue,
		Statements:   content.Statements,
		Index:        BuildIndex(content.Statements),
	}
}

// CanonicalJSON renders content with sorted keys and compact separators. The
// MD5 of this form is the dimension's content checksum.
func CanonicalJSON(content Content) ([]byte, error) {
	// Round-trip through a generic value so map-key sorting applies.
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Checksum returns the MD5 hex digest of the canonical JSON form.
func Checksum(content Content) (string, error) {
	canonical, err := CanonicalJSON(content)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}
