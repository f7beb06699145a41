package tagging

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ollama/ollama/api"
)

const tagPrompt = `You label short notes for later retrieval.
Return a JSON object {"tags": [...]} with at most 5 short lower-case topic labels for the note below.
Prefer general topics over words copied from the note.

Note:
`

// OllamaClassifier asks a local chat model for topic labels.
type OllamaClassifier struct {
	client *api.Client
	model  string
}

func NewOllamaClassifier(client *api.Client, model string) *OllamaClassifier {
	return &OllamaClassifier{client: client, model: model}
}

func (c *OllamaClassifier) GenerateTags(ctx context.Context, content string) ([]string, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "user", Content: tagPrompt + content},
		},
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
	}

	var answer strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		answer.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "ollama classify", goerr.V("model", c.model))
	}

	tags, err := parseTags(answer.String())
	if err != nil {
		return nil, goerr.Wrap(err, "parse classifier answer", goerr.V("model", c.model))
	}
	return Normalize(tags), nil
}

// parseTags accepts either {"tags": [...]} or a bare JSON array.
func parseTags(answer string) ([]string, error) {
	answer = strings.TrimSpace(answer)
	var wrapped struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(answer), &wrapped); err == nil {
		return wrapped.Tags, nil
	}
	var bare []string
	if err := json.Unmarshal([]byte(answer), &bare); err != nil {
		return nil, goerr.New("answer is not a tag list", goerr.V("answer", answer))
	}
	return bare, nil
}
