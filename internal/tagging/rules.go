package tagging

import (
	"context"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

// Rule assigns Tag when content contains any of Keywords.
type Rule struct {
	Tag      string   `yaml:"tag"`
	Keywords []string `yaml:"keywords"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules cover the content kinds the server typically receives.
var DefaultRules = []Rule{
	{Tag: "code", Keywords: []string{"func ", "def ", "class ", "import ", "```", "return ", "=> "}},
	{Tag: "question", Keywords: []string{"?", "how do", "how to", "what is", "why does"}},
	{Tag: "todo", Keywords: []string{"todo", "fixme", "remember to", "don't forget"}},
	{Tag: "decision", Keywords: []string{"decided", "we chose", "going with", "agreed"}},
	{Tag: "bug", Keywords: []string{"bug", "error", "exception", "crash", "stack trace"}},
	{Tag: "preference", Keywords: []string{"i prefer", "i like", "i love", "i hate", "favorite"}},
	{Tag: "meeting", Keywords: []string{"meeting", "standup", "sync with", "agenda"}},
	{Tag: "link", Keywords: []string{"http://", "https://"}},
}

// RuleClassifier tags content by case-insensitive keyword rules. It is
// local and deterministic.
type RuleClassifier struct {
	rules []Rule
}

func NewRuleClassifier(rules []Rule) *RuleClassifier {
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		tag := strings.TrimSpace(r.Tag)
		if tag == "" || len(r.Keywords) == 0 {
			continue
		}
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(kw); kw != "" {
				kws = append(kws, kw)
			}
		}
		normalized = append(normalized, Rule{Tag: tag, Keywords: kws})
	}
	return &RuleClassifier{rules: normalized}
}

// LoadRules reads a YAML rule file of the form
//
//	rules:
//	  - tag: infra
//	    keywords: [kubernetes, terraform]
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(models.ErrConfiguration, "read tag rules", goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, goerr.Wrap(models.ErrConfiguration, "parse tag rules", goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	if len(f.Rules) == 0 {
		return nil, goerr.Wrap(models.ErrConfiguration, "tag rule file has no rules", goerr.V("path", path))
	}
	return f.Rules, nil
}

func (c *RuleClassifier) GenerateTags(ctx context.Context, content string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(content)
	var tags []string
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				tags = append(tags, r.Tag)
				break
			}
		}
	}
	return Normalize(tags), nil
}
