package engine

import (
	"strings"

	"github.com/catherinevee/vtagger/pkg/models"
)

// NoTagSentinel is the upstream's marker for an absent tag value.
const NoTagSentinel = "no tag"

// tagColumnPrefix marks columns whose suffix is a physical tag key.
const tagColumnPrefix = "Tag: "

// positionalPrefix marks ordinal tag columns; their key names come from the
// column index map supplied by the pipeline.
const positionalPrefix = "customTagValue_"

// ExtractTags builds the tag context for a resource from its three channels:
// the customTags field, positional customTagValue_N columns (resolved through
// columnIndex), and "Tag: "-prefixed columns. Later channels fill only empty
// slots. The "no tag" sentinel is treated as absent everywhere.
func ExtractTags(res models.Resource, columnIndex map[string]string) map[string]string {
	tags := make(map[string]string)

	for _, tag := range res.CustomTags {
		if tag.Key == "" || tag.Value == "" || tag.Value == NoTagSentinel {
			continue
		}
		if _, exists := tags[tag.Key]; !exists {
			tags[tag.Key] = tag.Value
		}
	}

	for column, value := range res.Fields {
		if value == "" || value == NoTagSentinel {
			continue
		}
		switch {
		case strings.HasPrefix(column, positionalPrefix):
			key, known := columnIndex[column]
			if !known {
				continue
			}
			if _, exists := tags[key]; !exists {
				tags[key] = value
			}
		case strings.HasPrefix(column, tagColumnPrefix):
			key := column[len(tagColumnPrefix):]
			if key == "" {
				continue
			}
			if _, exists := tags[key]; !exists {
				tags[key] = value
			}
		}
	}

	return tags
}
