package tagging

import (
	"context"
	"strings"
)

// MaxTags caps how many inferred tags a record carries.
const MaxTags = 16

// Classifier derives labels from memory content.
type Classifier interface {
	GenerateTags(ctx context.Context, content string) ([]string, error)
}

// Noop never infers anything. Used when tagging is disabled.
type Noop struct{}

func (Noop) GenerateTags(context.Context, string) ([]string, error) { return nil, nil }

// Normalize trims, lower-cases and de-duplicates tags, keeping first-seen
// order, and drops anything past MaxTags.
func Normalize(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}
