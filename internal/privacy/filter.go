package privacy

import (
	"regexp"
	"strings"
)

// privateSpan matches <private>...</private> blocks (non-greedy, dotall).
var privateSpan = regexp.MustCompile(`(?s)<private>.*?</private>`)

// ForProviders returns the text that may leave the process: content with
// every private span removed. ok is false when nothing remains, in which
// case the content must not be sent to a provider at all.
func ForProviders(content string) (text string, ok bool) {
	text = StripPrivateTags(content)
	return text, text != ""
}

// StripPrivateTags removes all <private>...</private> blocks from content.
func StripPrivateTags(content string) string {
	return strings.TrimSpace(privateSpan.ReplaceAllString(content, ""))
}

// HasOnlyPrivateContent reports whether nothing but private blocks and
// whitespace is left after stripping.
func HasOnlyPrivateContent(content string) bool {
	return StripPrivateTags(content) == ""
}
