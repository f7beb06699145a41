package search

import (
	"strings"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

// MatchesKeyword reports whether query occurs, ignoring case, in the content
// or in any explicit or inferred tag of m.
func MatchesKeyword(m *models.Memory, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(m.Content), q) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	for _, tag := range m.InferredTags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// Keyword returns every record matching query, newest first, capped at
// limit.
func Keyword(records []*models.Memory, query string, limit int) []*models.Memory {
	var hits []*models.Memory
	for _, m := range records {
		if MatchesKeyword(m, query) {
			hits = append(hits, m)
		}
	}
	sortNewestFirst(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// KeywordScore is the coarse keyword component of hybrid ranking: 1.0 for a
// case-sensitive substring hit on content, 0.8 for a case-insensitive one,
// 0 otherwise.
func KeywordScore(content, query string) float64 {
	switch {
	case strings.Contains(content, query):
		return 1.0
	case strings.Contains(strings.ToLower(content), strings.ToLower(query)):
		return 0.8
	default:
		return 0
	}
}
