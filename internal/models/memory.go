package models

import (
	"maps"
	"reflect"
	"slices"
	"time"
)

// Memory is the core domain entity held by every store backend.
type Memory struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	CreatedAt      time.Time      `json:"createdAt"`
	Version        int64          `json:"version"`
	Tags           []string       `json:"tags"`
	InferredTags   []string       `json:"inferredTags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Source         string         `json:"source,omitempty"`
	ContentType    string         `json:"contentType,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Participant    string         `json:"participant,omitempty"`
	Context        string         `json:"context,omitempty"`
	Embedding      []float64      `json:"embedding,omitempty"`
}

// HasEmbedding reports whether the record can take part in vector search.
func (m *Memory) HasEmbedding() bool {
	return m != nil && len(m.Embedding) > 0
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate a committed record in place.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	c := *m
	c.Tags = slices.Clone(m.Tags)
	c.InferredTags = slices.Clone(m.InferredTags)
	c.Embedding = slices.Clone(m.Embedding)
	if m.Metadata != nil {
		c.Metadata = maps.Clone(m.Metadata)
	}
	return &c
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Content        *string         `json:"content,omitempty"`
	Tags           *[]string       `json:"tags,omitempty"`
	Metadata       *map[string]any `json:"metadata,omitempty"`
	Source         *string         `json:"source,omitempty"`
	ContentType    *string         `json:"contentType,omitempty"`
	ConversationID *string         `json:"conversationId,omitempty"`
	Participant    *string         `json:"participant,omitempty"`
	Context        *string         `json:"context,omitempty"`
}

// Apply writes the patch onto m and reports which kinds of fields changed.
// Unchanged values are not counted as changes.
func (p Patch) Apply(m *Memory) (changed, contentChanged bool) {
	setStr := func(dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = true
		}
	}

	if p.Content != nil && *p.Content != m.Content {
		m.Content = *p.Content
		changed = true
		contentChanged = true
	}
	if p.Tags != nil && !slices.Equal(*p.Tags, m.Tags) {
		m.Tags = slices.Clone(*p.Tags)
		changed = true
	}
	if p.Metadata != nil && !sameMetadata(*p.Metadata, m.Metadata) {
		m.Metadata = maps.Clone(*p.Metadata)
		changed = true
	}
	setStr(&m.Source, p.Source)
	setStr(&m.ContentType, p.ContentType)
	setStr(&m.ConversationID, p.ConversationID)
	setStr(&m.Participant, p.Participant)
	setStr(&m.Context, p.Context)
	return changed, contentChanged
}

// sameMetadata treats nil and empty maps as equal and compares values
// deeply, so a resent document does not count as a change.
func sameMetadata(a, b map[string]any) bool {
	return maps.EqualFunc(a, b, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}

// ScoredMemory is a search hit. SemanticScore and KeywordScore are only
// populated by hybrid search; Score is the value the results are ranked by.
type ScoredMemory struct {
	Memory        *Memory `json:"memory"`
	Score         float64 `json:"score"`
	SemanticScore float64 `json:"semanticScore,omitempty"`
	KeywordScore  float64 `json:"keywordScore,omitempty"`
}

// Weights blends the semantic and keyword components of hybrid search.
// They are not required to sum to 1.
type Weights struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`
}

// DefaultWeights is the hybrid blend used when the caller gives none.
var DefaultWeights = Weights{Semantic: 0.7, Keyword: 0.3}

// Enrichment carries the derived fields produced by the tag classifier and
// the embedding provider for one piece of content.
type Enrichment struct {
	InferredTags      []string
	Embedding         []float64
	TagsDegraded      bool
	EmbeddingDegraded bool
}

// Degraded reports whether any provider failed or timed out.
func (e Enrichment) Degraded() bool {
	return e.TagsDegraded || e.EmbeddingDegraded
}
