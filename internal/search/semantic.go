package search

import (
	"cmp"
	"slices"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

// Semantic scores every record that has an embedding against queryVec and
// keeps those scoring strictly above threshold. Results are ordered by score
// descending, then by timestamp descending. A record whose id equals
// excludeID is skipped.
func Semantic(records []*models.Memory, queryVec []float64, limit int, threshold float64, excludeID string) []models.ScoredMemory {
	var hits []models.ScoredMemory
	for _, m := range records {
		if !m.HasEmbedding() || (excludeID != "" && m.ID == excludeID) {
			continue
		}
		score := CosineSimilarity(queryVec, m.Embedding)
		if score > threshold {
			hits = append(hits, models.ScoredMemory{Memory: m, Score: score})
		}
	}
	sortByScore(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func sortByScore(hits []models.ScoredMemory) {
	slices.SortStableFunc(hits, func(a, b models.ScoredMemory) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return compareNewestFirst(a.Memory, b.Memory)
	})
}

func sortNewestFirst(records []*models.Memory) {
	slices.SortStableFunc(records, compareNewestFirst)
}

func compareNewestFirst(a, b *models.Memory) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
