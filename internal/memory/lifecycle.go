package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/privacy"
)

// enrichLater runs enrichment for one committed version of a record in the
// background. The result is dropped by the store if content has changed
// since, so a slow provider can never attach a stale embedding.
func (s *Service) enrichLater(id, content string) {
	if s.enricher == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight++
	s.mu.Unlock()

	go func() {
		defer s.finishTask()
		e := s.enricher.Enrich(s.bgCtx, id, content)
		applied, err := s.store.SetEnrichment(s.bgCtx, id, content, e)
		if err != nil {
			s.logger.Warn("failed to store enrichment", "id", id, "error", err)
			return
		}
		if !applied {
			s.logger.Debug("enrichment discarded, record changed or deleted", "id", id)
		}
	}()
}

func (s *Service) finishTask() {
	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

// waitIdle blocks until no background enrichment is running.
func (s *Service) waitIdle() {
	s.mu.Lock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

// Drain waits until no background enrichment is running, or ctx is done.
// Writes may continue meanwhile; tasks they start are waited for too.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.waitIdle()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "drain enrichment")
	}
}

// Backfill enriches live records that have no embedding yet, such as
// those written while the embedding provider was down. It returns how many
// records gained an embedding. Records whose content is entirely private
// are never sent to a provider and are skipped. Concurrent calls do not
// overlap: a second caller returns (0, nil) immediately.
func (s *Service) Backfill(ctx context.Context) (int, error) {
	if s.enricher == nil {
		return 0, nil
	}
	if !s.backfillMu.TryLock() {
		s.logger.Debug("backfill already running")
		return 0, nil
	}
	defer s.backfillMu.Unlock()

	records, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	embedded := 0
	for _, m := range records {
		if m.HasEmbedding() || privacy.HasOnlyPrivateContent(m.Content) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return embedded, goerr.Wrap(err, "backfill interrupted", goerr.V("embedded", embedded))
		}

		e := s.enricher.Enrich(ctx, m.ID, m.Content)
		if e.EmbeddingDegraded {
			continue
		}
		applied, err := s.store.SetEnrichment(ctx, m.ID, m.Content, e)
		if err != nil {
			return embedded, err
		}
		if applied {
			embedded++
		}
	}
	if embedded > 0 {
		s.logger.Info("backfill complete", "embedded", embedded)
	}
	return embedded, nil
}

// Close waits for background enrichment and closes the store.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.waitIdle()
	s.bgCancel()
	return s.store.Close()
}
