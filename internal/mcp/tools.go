package mcp

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

type storeParams struct {
	Content        string   `json:"content" jsonschema:"The memory content, written as a standalone note"`
	ID             string   `json:"id,omitempty" jsonschema:"Optional caller-chosen id; a UUID is generated when empty"`
	Tags           []string `json:"tags,omitempty" jsonschema:"Tags for categorization"`
	Source         string   `json:"source,omitempty" jsonschema:"Where the memory came from"`
	ContentType    string   `json:"contentType,omitempty" jsonschema:"Kind of content, such as note or code"`
	ConversationID string   `json:"conversationId,omitempty" jsonschema:"Conversation the memory belongs to"`
	Participant    string   `json:"participant,omitempty" jsonschema:"Who said or wrote it"`
	Context        string   `json:"context,omitempty" jsonschema:"Free-form surrounding context"`
}

type idParams struct {
	ID string `json:"id" jsonschema:"Memory id"`
}

type updateParams struct {
	ID              string   `json:"id" jsonschema:"Memory id"`
	Content         *string  `json:"content,omitempty" jsonschema:"Replacement content"`
	Tags            []string `json:"tags,omitempty" jsonschema:"Replacement tag list"`
	ExpectedVersion int64    `json:"expectedVersion,omitempty" jsonschema:"Only apply if the stored version equals this"`
}

type searchParams struct {
	Query          string   `json:"query" jsonschema:"Search query"`
	Mode           string   `json:"mode,omitempty" jsonschema:"keyword, semantic or hybrid (default hybrid)"`
	Limit          int      `json:"limit,omitempty" jsonschema:"Maximum results"`
	Threshold      *float64 `json:"threshold,omitempty" jsonschema:"Minimum cosine similarity for semantic mode"`
	SemanticWeight *float64 `json:"semanticWeight,omitempty" jsonschema:"Hybrid weight of the semantic score"`
	KeywordWeight  *float64 `json:"keywordWeight,omitempty" jsonschema:"Hybrid weight of the keyword score"`
}

type similarParams struct {
	ID        string   `json:"id" jsonschema:"Memory to find neighbours of"`
	Limit     int      `json:"limit,omitempty" jsonschema:"Maximum results"`
	Threshold *float64 `json:"threshold,omitempty" jsonschema:"Minimum cosine similarity"`
}

func registerTools(s *mcp.Server, b *Bridge) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_store",
		Description: "Store a new memory. Tags and an embedding are inferred from the content.",
	}, b.toolStore)
	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_get",
		Description: "Retrieve one memory by id, including its current version.",
	}, b.toolGet)
	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_update",
		Description: "Update content or tags of a memory. Set expectedVersion to fail " +
			"instead of overwriting a concurrent change.",
	}, b.toolUpdate)
	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_delete",
		Description: "Delete a memory. It disappears from reads and every search mode.",
	}, b.toolDelete)
	mcp.AddTool(s, &mcp.Tool{
		Name: "memory_search",
		Description: "Search memories by keyword, meaning or both. " +
			"Hybrid mode is the default and usually the right choice.",
	}, b.toolSearch)
	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_similar",
		Description: "Find memories semantically close to an existing one.",
	}, b.toolSimilar)
}

func (b *Bridge) toolStore(ctx context.Context, _ *mcp.CallToolRequest, p *storeParams) (*mcp.CallToolResult, any, error) {
	body := models.CreateRequest{
		ID:             p.ID,
		Content:        p.Content,
		Tags:           p.Tags,
		Source:         p.Source,
		ContentType:    p.ContentType,
		ConversationID: p.ConversationID,
		Participant:    p.Participant,
		Context:        p.Context,
	}
	if body.Source == "" {
		body.Source = "mcp"
	}
	return b.call(ctx, http.MethodPost, "/memories", nil, body, nil)
}

func (b *Bridge) toolGet(ctx context.Context, _ *mcp.CallToolRequest, p *idParams) (*mcp.CallToolResult, any, error) {
	return b.call(ctx, http.MethodGet, memoryPath(p.ID), nil, nil, nil)
}

func (b *Bridge) toolUpdate(ctx context.Context, _ *mcp.CallToolRequest, p *updateParams) (*mcp.CallToolResult, any, error) {
	patch := models.Patch{Content: p.Content}
	if p.Tags != nil {
		patch.Tags = &p.Tags
	}
	var header map[string]string
	if p.ExpectedVersion > 0 {
		header = map[string]string{"If-Match": strconv.Quote(strconv.FormatInt(p.ExpectedVersion, 10))}
	}
	return b.call(ctx, http.MethodPatch, memoryPath(p.ID), nil, patch, header)
}

func (b *Bridge) toolDelete(ctx context.Context, _ *mcp.CallToolRequest, p *idParams) (*mcp.CallToolResult, any, error) {
	r, err := b.do(ctx, http.MethodDelete, memoryPath(p.ID), nil, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	if r.failed() {
		return textResult(string(r.body), true), nil, nil
	}
	return textResult(`{"deleted":true}`, false), nil, nil
}

func (b *Bridge) toolSearch(ctx context.Context, _ *mcp.CallToolRequest, p *searchParams) (*mcp.CallToolResult, any, error) {
	body := models.SearchRequest{
		Query:          p.Query,
		Mode:           models.SearchMode(p.Mode),
		Limit:          p.Limit,
		Threshold:      p.Threshold,
		SemanticWeight: p.SemanticWeight,
		KeywordWeight:  p.KeywordWeight,
	}
	return b.call(ctx, http.MethodPost, "/memories/search", nil, body, nil)
}

func (b *Bridge) toolSimilar(ctx context.Context, _ *mcp.CallToolRequest, p *similarParams) (*mcp.CallToolResult, any, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Threshold != nil {
		q.Set("threshold", strconv.FormatFloat(*p.Threshold, 'f', -1, 64))
	}
	return b.call(ctx, http.MethodGet, memoryPath(p.ID)+"/similar", q, nil, nil)
}

func (b *Bridge) call(ctx context.Context, method, path string, query url.Values, body any, header map[string]string) (*mcp.CallToolResult, any, error) {
	r, err := b.do(ctx, method, path, query, body, header)
	if err != nil {
		return nil, nil, err
	}
	return textResult(string(r.body), r.failed()), nil, nil
}

func memoryPath(id string) string {
	return "/memories/" + url.PathEscape(id)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}
