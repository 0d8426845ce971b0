// Package engine evaluates compiled dimension chains against resource tag
// contexts to produce virtual tags.
package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/catherinevee/vtagger/internal/dimension"
	"github.com/catherinevee/vtagger/pkg/models"
)

// Engine holds the compiled dimension chain. The chain is replaced wholesale
// on reload; readers take a snapshot under the read lock.
type Engine struct {
	mu     sync.RWMutex
	sorted []*dimension.Dimension
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{}
}

// Load replaces the compiled chain. Input order is ignored; dimensions are
// re-sorted by ascending order index.
func (e *Engine) Load(dims []*dimension.Dimension) {
	sorted := append([]*dimension.Dimension{}, dims...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OrderIndex < sorted[j].OrderIndex
	})

	e.mu.Lock()
	e.sorted = sorted
	e.mu.Unlock()
}

// Dimensions returns the current chain in evaluation order.
func (e *Engine) Dimensions() []*dimension.Dimension {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sorted
}

// RequiredTagKeys returns the sorted union of physical tag keys referenced by
// any dimension. The sort order is part of the upstream column-index contract.
func (e *Engine) RequiredTagKeys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := make(map[string]struct{})
	for _, d := range e.sorted {
		for k := range d.Index.TagKeysUsed {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve evaluates a single dimension against the contexts. Lookup order is
// TAG exact, DIM exact, TAG contains, DIM contains, default. The contexts are
// never mutated. Context keys are visited in sorted order so resolution is
// deterministic for any input.
func Resolve(d *dimension.Dimension, tagCtx, dimCtx map[string]string) string {
	idx := d.Index

	for _, key := range sortedKeys(tagCtx) {
		if value := tagCtx[key]; value != "" {
			if result, ok := idx.LookupTagExact(key, strings.ToLower(value)); ok {
				return result
			}
		}
	}

	for _, key := range sortedKeys(dimCtx) {
		if value := dimCtx[key]; value != "" {
			if result, ok := idx.LookupDimExact(key, strings.ToLower(value)); ok {
				return result
			}
		}
	}

	for _, key := range sortedKeys(tagCtx) {
		value := tagCtx[key]
		if value == "" {
			continue
		}
		lowered := strings.ToLower(value)
		for _, rule := range idx.TagContains {
			if rule.Key == key && strings.Contains(lowered, rule.Substring) {
				return rule.Result
			}
		}
	}

	for _, key := range sortedKeys(dimCtx) {
		value := dimCtx[key]
		if value == "" {
			continue
		}
		lowered := strings.ToLower(value)
		for _, rule := range idx.DimContains {
			if rule.Key == key && strings.Contains(lowered, rule.Substring) {
				return rule.Result
			}
		}
	}

	return d.DefaultValue
}

// MapResource runs the full chain over one resource. columnIndex maps
// positional customTagValue_N column names to physical tag keys.
func (e *Engine) MapResource(res models.Resource, columnIndex map[string]string) models.MappedResource {
	e.mu.RLock()
	sorted := e.sorted
	e.mu.RUnlock()

	tags := ExtractTags(res, columnIndex)

	linked := PadAccountID(firstNonEmpty(res.LinkedAccount, res.PayerAccount))
	payer := PadAccountID(firstNonEmpty(res.PayerAccount, res.LinkedAccount))

	dimCtx := make(map[string]string, len(sorted))
	anyMatched := false
	for _, d := range sorted {
		value := Resolve(d, tags, dimCtx)
		dimCtx[d.Name] = value
		if value != d.DefaultValue {
			anyMatched = true
		}
	}

	return models.MappedResource{
		ResourceID:    res.ResourceID,
		LinkedAccount: linked,
		PayerAccount:  payer,
		Dimensions:    dimCtx,
		Tags:          tags,
		AnyMatched:    anyMatched,
	}
}

// ResolveTags runs the chain over a bare tag set (no resource identity).
func (e *Engine) ResolveTags(tags map[string]string) map[string]string {
	e.mu.RLock()
	sorted := e.sorted
	e.mu.RUnlock()

	dimCtx := make(map[string]string, len(sorted))
	for _, d := range sorted {
		dimCtx[d.Name] = Resolve(d, tags, dimCtx)
	}
	return dimCtx
}

// PadAccountID left-pads purely numeric AWS account IDs shorter than 12
// digits with zeros. Non-numeric IDs pass through unchanged.
func PadAccountID(id string) string {
	if id == "" || len(id) >= 12 {
		return id
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return id
		}
	}
	return strings.Repeat("0", 12-len(id)) + id
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
