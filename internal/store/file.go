package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/vault"
)

const fileFormat = 1

// Replicator receives a copy of the sealed container after every durable
// write.
type Replicator interface {
	Replicate(ctx context.Context, name string, data []byte) error
}

type fileDocument struct {
	Format    int              `json:"format"`
	Dimension int              `json:"dimension"`
	Memories  []*models.Memory `json:"memories"`
	Deleted   []string         `json:"deleted,omitempty"`
}

// fileState is an immutable snapshot. Writers build a new one and swap it in
// after the container has been written.
type fileState struct {
	header  vault.Header
	records map[string]*models.Memory
	deleted map[string]struct{}
}

func (s *fileState) clone() *fileState {
	return &fileState{
		header:  s.header,
		records: maps.Clone(s.records),
		deleted: maps.Clone(s.deleted),
	}
}

// FileStore keeps every record in one encrypted container file that is
// rewritten as a whole on each mutation. Only one process may use a given
// file at a time.
type FileStore struct {
	path       string
	vault      *vault.Vault
	dim        int
	replicator Replicator
	logger     *slog.Logger

	mu     sync.RWMutex
	state  *fileState
	closed bool

	// replication keeps at most one upload in flight and only the newest
	// container queued behind it
	repMu      sync.Mutex
	repPending []byte
	repRunning bool
	wg         sync.WaitGroup
}

type FileOption func(*FileStore)

// WithReplicator pushes each written container to r in the background.
func WithReplicator(r Replicator) FileOption {
	return func(s *FileStore) { s.replicator = r }
}

func WithFileLogger(logger *slog.Logger) FileOption {
	return func(s *FileStore) { s.logger = logger }
}

// OpenFile prepares a file-backed store. The container is read lazily by
// the first operation, so a wrong secret surfaces as models.ErrAuthentication
// from that operation rather than from OpenFile.
func OpenFile(path string, v *vault.Vault, dim int, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, goerr.Wrap(models.ErrConfiguration, "store path must not be empty")
	}
	if v == nil {
		return nil, goerr.Wrap(models.ErrConfiguration, "vault is required")
	}
	if dim < 1 {
		return nil, goerr.Wrap(models.ErrConfiguration, "embedding dimension must be positive", goerr.V("dim", dim))
	}

	s := &FileStore{
		path:   path,
		vault:  v,
		dim:    dim,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) Dimensions() int { return s.dim }

func (s *FileStore) snapshot() (*fileState, error) {
	s.mu.RLock()
	st, closed := s.state, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errClosed
	}
	if st != nil {
		return st, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() (*fileState, error) {
	if s.closed {
		return nil, errClosed
	}
	if s.state != nil {
		return s.state, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		h, err := s.vault.NewHeader()
		if err != nil {
			return nil, err
		}
		s.state = &fileState{
			header:  h,
			records: map[string]*models.Memory{},
			deleted: map[string]struct{}{},
		}
		return s.state, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "read container", goerr.V("path", s.path))
	}

	h, plaintext, err := s.vault.OpenContainer(data)
	if err != nil {
		return nil, goerr.Wrap(err, "open container", goerr.V("path", s.path))
	}

	var doc fileDocument
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, goerr.Wrap(models.ErrCorruption, "decode container document",
			goerr.V("path", s.path), goerr.V("cause", err.Error()))
	}
	if doc.Format != fileFormat {
		return nil, goerr.Wrap(models.ErrCorruption, "unsupported document format", goerr.V("format", doc.Format))
	}
	if doc.Dimension != s.dim {
		return nil, goerr.Wrap(models.ErrConfiguration, "embedding dimension differs from stored container",
			goerr.V("configured", s.dim), goerr.V("stored", doc.Dimension))
	}

	st := &fileState{
		header:  h,
		records: make(map[string]*models.Memory, len(doc.Memories)),
		deleted: make(map[string]struct{}, len(doc.Deleted)),
	}
	for _, id := range doc.Deleted {
		st.deleted[id] = struct{}{}
	}
	for _, m := range doc.Memories {
		if m == nil || m.ID == "" {
			return nil, goerr.Wrap(models.ErrCorruption, "record without id")
		}
		if _, dup := st.records[m.ID]; dup {
			return nil, goerr.Wrap(models.ErrCorruption, "duplicate record id", goerr.V("id", m.ID))
		}
		st.records[m.ID] = m
	}

	s.state = st
	s.logger.Debug("container loaded", "path", s.path, "records", len(st.records))
	return st, nil
}

// mutate runs fn on a copy of the current state and commits the copy once
// the container is durably written.
func (s *FileStore) mutate(fn func(next *fileState) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked()
	if err != nil {
		return err
	}
	next := cur.clone()
	write, err := fn(next)
	if err != nil || !write {
		return err
	}

	blob, err := s.encode(next)
	if err != nil {
		return err
	}
	if err := writeAtomic(s.path, blob); err != nil {
		return err
	}
	s.state = next
	s.replicate(blob)
	return nil
}

func (s *FileStore) encode(st *fileState) ([]byte, error) {
	doc := fileDocument{
		Format:    fileFormat,
		Dimension: s.dim,
		Memories:  make([]*models.Memory, 0, len(st.records)),
		Deleted:   slices.Sorted(maps.Keys(st.deleted)),
	}
	for _, id := range slices.Sorted(maps.Keys(st.records)) {
		doc.Memories = append(doc.Memories, st.records[id])
	}

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return nil, goerr.Wrap(err, "encode container document")
	}
	return s.vault.SealContainer(st.header, plaintext)
}

func (s *FileStore) replicate(blob []byte) {
	if s.replicator == nil {
		return
	}
	s.repMu.Lock()
	defer s.repMu.Unlock()
	s.repPending = blob
	if !s.repRunning {
		s.repRunning = true
		s.wg.Add(1)
		go s.replicateLoop()
	}
}

func (s *FileStore) replicateLoop() {
	defer s.wg.Done()
	name := filepath.Base(s.path)
	for {
		s.repMu.Lock()
		blob := s.repPending
		s.repPending = nil
		if blob == nil {
			s.repRunning = false
			s.repMu.Unlock()
			return
		}
		s.repMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.replicator.Replicate(ctx, name, blob); err != nil {
			s.logger.Warn("container replication failed", "name", name, "error", err)
		}
		cancel()
	}
}

// writeAtomic replaces path with data via a synced temp file and rename, so
// readers and crashes only ever see the old or the new container.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return goerr.Wrap(err, "create store directory", goerr.V("dir", dir))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return goerr.Wrap(err, "create temp file", goerr.V("dir", dir))
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return goerr.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return goerr.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return goerr.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return goerr.Wrap(err, "replace container", goerr.V("path", path))
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func (s *FileStore) Insert(_ context.Context, m *models.Memory) error {
	if err := checkEmbedding(m.Embedding, s.dim); err != nil {
		return err
	}
	return s.mutate(func(next *fileState) (bool, error) {
		if _, ok := next.records[m.ID]; ok {
			return false, goerr.Wrap(models.ErrDuplicateID, "insert", goerr.V("id", m.ID))
		}
		if _, ok := next.deleted[m.ID]; ok {
			return false, goerr.Wrap(models.ErrDuplicateID, "id belongs to a deleted memory", goerr.V("id", m.ID))
		}
		next.records[m.ID] = m.Clone()
		return true, nil
	})
}

func (s *FileStore) Get(_ context.Context, id string) (*models.Memory, error) {
	st, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return st.records[id].Clone(), nil
}

func (s *FileStore) Replace(_ context.Context, m *models.Memory, expectedVersion int64) error {
	if err := checkReplace(m, expectedVersion, s.dim); err != nil {
		return err
	}
	return s.mutate(func(next *fileState) (bool, error) {
		cur, ok := next.records[m.ID]
		if !ok {
			return false, goerr.Wrap(models.ErrNotFound, "replace", goerr.V("id", m.ID))
		}
		if cur.Version != expectedVersion {
			return false, goerr.Wrap(models.ErrConflict, "replace",
				goerr.V("id", m.ID), goerr.V("expected", expectedVersion), goerr.V("actual", cur.Version))
		}
		stored := m.Clone()
		stored.CreatedAt = cur.CreatedAt
		if stored.Content == cur.Content {
			keepDerived(stored, cur)
		}
		next.records[m.ID] = stored
		return true, nil
	})
}

func (s *FileStore) Delete(_ context.Context, id string) (bool, error) {
	removed := false
	err := s.mutate(func(next *fileState) (bool, error) {
		if _, ok := next.records[id]; !ok {
			return false, nil
		}
		delete(next.records, id)
		next.deleted[id] = struct{}{}
		removed = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (s *FileStore) List(_ context.Context) ([]*models.Memory, error) {
	st, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Memory, 0, len(st.records))
	for _, m := range st.records {
		out = append(out, m)
	}
	return out, nil
}

func (s *FileStore) SetEnrichment(_ context.Context, id, forContent string, e models.Enrichment) (bool, error) {
	if err := checkEmbedding(e.Embedding, s.dim); err != nil {
		return false, err
	}
	applied := false
	err := s.mutate(func(next *fileState) (bool, error) {
		cur, ok := next.records[id]
		if !ok || cur.Content != forContent {
			return false, nil
		}
		enriched, changed := enrich(cur, e)
		if !changed {
			return false, nil
		}
		next.records[id] = enriched
		applied = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *FileStore) Count(_ context.Context) (int, error) {
	st, err := s.snapshot()
	if err != nil {
		return 0, err
	}
	return len(st.records), nil
}

// Close waits for pending replications. Later calls fail.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
