package search

import (
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

// Hybrid ranks every record that has an embedding by
//
//	combined = w.Semantic × cosine(query, embedding) + w.Keyword × KeywordScore(content, query)
//
// with no threshold. The combined value is a heuristic blend; the keyword
// term is a step function and is not normalised against the cosine term.
// A nil queryVec contributes a semantic score of 0 for every record.
func Hybrid(records []*models.Memory, query string, queryVec []float64, limit int, w models.Weights) []models.ScoredMemory {
	hits := make([]models.ScoredMemory, 0, len(records))
	for _, m := range records {
		if !m.HasEmbedding() {
			continue
		}
		var semantic float64
		if queryVec != nil {
			semantic = CosineSimilarity(queryVec, m.Embedding)
		}
		keyword := KeywordScore(m.Content, query)
		hits = append(hits, models.ScoredMemory{
			Memory:        m,
			Score:         w.Semantic*semantic + w.Keyword*keyword,
			SemanticScore: semantic,
			KeywordScore:  keyword,
		})
	}
	sortByScore(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
