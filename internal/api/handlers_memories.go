package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/memory"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

// SearchDefaults fill in search parameters the caller leaves out.
type SearchDefaults struct {
	Limit     int
	Threshold float64
	Weights   models.Weights
}

type MemoryHandler struct {
	svc      *memory.Service
	defaults SearchDefaults
}

func NewMemoryHandler(svc *memory.Service, defaults SearchDefaults) *MemoryHandler {
	return &MemoryHandler{svc: svc, defaults: defaults}
}

func setETag(w http.ResponseWriter, m *models.Memory) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(m.Version, 10)))
}

// Create handles POST /memories
func (h *MemoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	m, err := h.svc.Create(r.Context(), req.ToMemory())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	setETag(w, m)
	writeJSON(w, http.StatusCreated, m.View())
}

// Get handles GET /memories/{id}
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Read(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	setETag(w, m)
	writeJSON(w, http.StatusOK, m.View())
}

// Update handles PATCH /memories/{id}. With If-Match the update only
// applies to that version and a mismatch is 412.
func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch models.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		m, err := h.svc.Update(r.Context(), id, patch)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		setETag(w, m)
		writeJSON(w, http.StatusOK, m.View())
		return
	}

	expected, err := parseVersion(ifMatch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "If-Match must be a version number")
		return
	}
	m, err := h.svc.UpdateIfVersion(r.Context(), id, expected, patch)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			writeError(w, http.StatusPreconditionFailed, "version conflict")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	setETag(w, m)
	writeJSON(w, http.StatusOK, m.View())
}

// parseVersion accepts 3, "3" and W/"3".
func parseVersion(v string) (int64, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "W/")
	v = strings.Trim(v, `"`)
	return strconv.ParseInt(v, 10, 64)
}

// Delete handles DELETE /memories/{id}
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles POST /memories/search
func (h *MemoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = models.SearchModeHybrid
	}
	if !req.Mode.IsValid() {
		writeError(w, http.StatusBadRequest, "mode must be keyword, semantic or hybrid")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = h.defaults.Limit
	}

	var results []models.SearchResult
	switch req.Mode {
	case models.SearchModeKeyword:
		hits, err := h.svc.SearchKeyword(r.Context(), req.Query, limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		results = make([]models.SearchResult, len(hits))
		for i, m := range hits {
			results[i] = models.SearchResult{Memory: m.View(), Score: 1}
		}
	case models.SearchModeSemantic:
		threshold := h.defaults.Threshold
		if req.Threshold != nil {
			threshold = *req.Threshold
		}
		hits, err := h.svc.SearchSemantic(r.Context(), req.Query, limit, threshold)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		results = toResults(hits)
	case models.SearchModeHybrid:
		weights := h.defaults.Weights
		if req.SemanticWeight != nil {
			weights.Semantic = *req.SemanticWeight
		}
		if req.KeywordWeight != nil {
			weights.Keyword = *req.KeywordWeight
		}
		hits, err := h.svc.SearchHybrid(r.Context(), req.Query, limit, weights)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		results = toResults(hits)
	}

	writeJSON(w, http.StatusOK, models.SearchResponse{Mode: req.Mode, Results: results, Count: len(results)})
}

// Similar handles GET /memories/{id}/similar
func (h *MemoryHandler) Similar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := h.defaults.Limit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	threshold := h.defaults.Threshold
	if v := q.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "threshold must be a number")
			return
		}
		threshold = f
	}

	hits, err := h.svc.FindSimilar(r.Context(), chi.URLParam(r, "id"), limit, threshold)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	results := toResults(hits)
	writeJSON(w, http.StatusOK, models.SearchResponse{Mode: models.SearchModeSemantic, Results: results, Count: len(results)})
}

// Backfill handles POST /memories/backfill
func (h *MemoryHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Backfill(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.BackfillResponse{Embedded: n})
}

func toResults(hits []models.ScoredMemory) []models.SearchResult {
	results := make([]models.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = models.SearchResult{
			Memory:        h.Memory.View(),
			Score:         h.Score,
			SemanticScore: h.SemanticScore,
			KeywordScore:  h.KeywordScore,
		}
	}
	return results
}
