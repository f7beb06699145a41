package models

// SearchMode selects the retrieval algorithm.
type SearchMode string

const (
	SearchModeKeyword  SearchMode = "keyword"
	SearchModeSemantic SearchMode = "semantic"
	SearchModeHybrid   SearchMode = "hybrid"
)

func (m SearchMode) IsValid() bool {
	return m == SearchModeKeyword || m == SearchModeSemantic || m == SearchModeHybrid
}

// CreateRequest is the payload for POST /memories.
type CreateRequest struct {
	ID             string         `json:"id,omitempty"`
	Content        string         `json:"content"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Source         string         `json:"source,omitempty"`
	ContentType    string         `json:"contentType,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Participant    string         `json:"participant,omitempty"`
	Context        string         `json:"context,omitempty"`
	Embedding      []float64      `json:"embedding,omitempty"`
}

// ToMemory converts the request into an unsaved record.
func (r *CreateRequest) ToMemory() *Memory {
	return &Memory{
		ID:             r.ID,
		Content:        r.Content,
		Tags:           r.Tags,
		Metadata:       r.Metadata,
		Source:         r.Source,
		ContentType:    r.ContentType,
		ConversationID: r.ConversationID,
		Participant:    r.Participant,
		Context:        r.Context,
		Embedding:      r.Embedding,
	}
}

// SearchRequest is the payload for POST /memories/search.
type SearchRequest struct {
	Query          string     `json:"query"`
	Mode           SearchMode `json:"mode"`
	Limit          int        `json:"limit"`
	Threshold      *float64   `json:"threshold,omitempty"`
	SemanticWeight *float64   `json:"semanticWeight,omitempty"`
	KeywordWeight  *float64   `json:"keywordWeight,omitempty"`
}

// SearchResult is a single hit in a search response. Embeddings are never
// returned over the wire.
type SearchResult struct {
	Memory        *MemoryView `json:"memory"`
	Score         float64     `json:"score"`
	SemanticScore float64     `json:"semanticScore,omitempty"`
	KeywordScore  float64     `json:"keywordScore,omitempty"`
}

// SearchResponse is returned from POST /memories/search and
// GET /memories/{id}/similar.
type SearchResponse struct {
	Mode    SearchMode     `json:"mode"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// MemoryView is the wire form of a Memory.
type MemoryView struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Timestamp      int64          `json:"timestamp"`
	CreatedAt      int64          `json:"createdAt"`
	Version        int64          `json:"version"`
	Tags           []string       `json:"tags"`
	InferredTags   []string       `json:"inferredTags"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Source         string         `json:"source,omitempty"`
	ContentType    string         `json:"contentType,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Participant    string         `json:"participant,omitempty"`
	Context        string         `json:"context,omitempty"`
	HasEmbedding   bool           `json:"hasEmbedding"`
}

// View converts m to its wire form. Timestamps are unix milliseconds.
func (m *Memory) View() *MemoryView {
	if m == nil {
		return nil
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	inferred := m.InferredTags
	if inferred == nil {
		inferred = []string{}
	}
	return &MemoryView{
		ID:             m.ID,
		Content:        m.Content,
		Timestamp:      m.Timestamp.UnixMilli(),
		CreatedAt:      m.CreatedAt.UnixMilli(),
		Version:        m.Version,
		Tags:           tags,
		InferredTags:   inferred,
		Metadata:       m.Metadata,
		Source:         m.Source,
		ContentType:    m.ContentType,
		ConversationID: m.ConversationID,
		Participant:    m.Participant,
		Context:        m.Context,
		HasEmbedding:   m.HasEmbedding(),
	}
}

// BackfillResponse is returned from POST /memories/backfill.
type BackfillResponse struct {
	Embedded int `json:"embedded"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status      string       `json:"status"`
	Store       ServiceCheck `json:"store"`
	Embedding   ServiceCheck `json:"embedding"`
	MemoryCount int          `json:"memoryCount"`
}

type ServiceCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
