package api

import (
	"context"
	"net/http"
	"time"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/embedding"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/memory"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
)

type HealthHandler struct {
	svc      *memory.Service
	embedder embedding.HealthChecker
}

func NewHealthHandler(svc *memory.Service, embedder embedding.HealthChecker) *HealthHandler {
	return &HealthHandler{svc: svc, embedder: embedder}
}

// Health reports 503 only when the store is unusable. A degraded embedding
// provider still leaves keyword search and writes working.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := models.HealthResponse{
		Status: "ok",
	}

	count, err := h.svc.Count(ctx)
	if err != nil {
		resp.Store = models.ServiceCheck{Status: "error", Message: storeMessage(err)}
		resp.Status = "error"
	} else {
		resp.Store = models.ServiceCheck{Status: "ok"}
		resp.MemoryCount = count
	}

	resp.Embedding = models.ServiceCheck{Status: "ok"}
	if h.embedder != nil {
		if err := h.embedder.HealthCheck(ctx); err != nil {
			resp.Embedding = models.ServiceCheck{Status: "error", Message: err.Error()}
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}

	status := http.StatusOK
	if resp.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func storeMessage(err error) string {
	if models.IsStoreUnreadable(err) {
		return "store cannot be decrypted or parsed"
	}
	return err.Error()
}
