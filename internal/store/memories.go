package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/search"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/vault"
)

// memoryColumns is the canonical column list for all SELECT queries.
// Order must match scanRow.
const memoryColumns = `id, payload, embedding, version, created_at, updated_at`

// rowPayload is the sealed part of a row.
type rowPayload struct {
	Content        string         `json:"content"`
	Tags           []string       `json:"tags,omitempty"`
	InferredTags   []string       `json:"inferredTags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Source         string         `json:"source,omitempty"`
	ContentType    string         `json:"contentType,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Participant    string         `json:"participant,omitempty"`
	Context        string         `json:"context,omitempty"`
}

// SQLStore keeps one row per memory. Deleted rows stay behind as tombstones
// with their payload and embedding scrubbed.
type SQLStore struct {
	db     *DB
	vault  *vault.Vault
	header vault.Header
	dim    int

	keyMu sync.Mutex
	keyOK bool
}

func (s *SQLStore) Dimensions() int { return s.dim }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) seal(m *models.Memory) (payload []byte, fingerprint string, err error) {
	raw, err := json.Marshal(rowPayload{
		Content:        m.Content,
		Tags:           m.Tags,
		InferredTags:   m.InferredTags,
		Metadata:       m.Metadata,
		Source:         m.Source,
		ContentType:    m.ContentType,
		ConversationID: m.ConversationID,
		Participant:    m.Participant,
		Context:        m.Context,
	})
	if err != nil {
		return nil, "", goerr.Wrap(err, "encode payload", goerr.V("id", m.ID))
	}
	payload, err = s.vault.Seal(s.header, raw, []byte(m.ID))
	if err != nil {
		return nil, "", err
	}
	fingerprint, err = s.vault.Fingerprint(s.header, m.Content)
	if err != nil {
		return nil, "", err
	}
	return payload, fingerprint, nil
}

func (s *SQLStore) open(id string, sealed []byte) (*rowPayload, error) {
	raw, err := s.vault.Open(s.header, sealed, []byte(id))
	if err != nil {
		return nil, goerr.Wrap(err, "open payload", goerr.V("id", id))
	}
	var p rowPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, goerr.Wrap(models.ErrCorruption, "decode payload", goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	return &p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanRow(row scanner) (*models.Memory, error) {
	var (
		id                   string
		payload, embedding   []byte
		version              int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &payload, &embedding, &version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	p, err := s.open(id, payload)
	if err != nil {
		return nil, err
	}

	m := &models.Memory{
		ID:             id,
		Content:        p.Content,
		Timestamp:      time.Unix(0, updatedAt).UTC(),
		CreatedAt:      time.Unix(0, createdAt).UTC(),
		Version:        version,
		Tags:           p.Tags,
		InferredTags:   p.InferredTags,
		Metadata:       p.Metadata,
		Source:         p.Source,
		ContentType:    p.ContentType,
		ConversationID: p.ConversationID,
		Participant:    p.Participant,
		Context:        p.Context,
	}
	if len(embedding) > 0 {
		m.Embedding = search.BytesToFloat64(embedding)
		if len(m.Embedding) != s.dim {
			return nil, goerr.Wrap(models.ErrCorruption, "stored embedding has wrong dimension", goerr.V("id", id))
		}
	}
	return m, nil
}

func encodeEmbedding(v []float64) []byte {
	if len(v) == 0 {
		return nil
	}
	return search.Float64ToBytes(v)
}

// Insert stores a new memory inside a transaction that first checks the id
// against both live rows and tombstones.
func (s *SQLStore) Insert(ctx context.Context, m *models.Memory) error {
	if err := checkEmbedding(m.Embedding, s.dim); err != nil {
		return err
	}
	if err := s.verifyKey(ctx); err != nil {
		return err
	}
	payload, fingerprint, err := s.seal(m)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin insert")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?`, m.ID).Scan(&exists)
	if err == nil {
		return goerr.Wrap(models.ErrDuplicateID, "insert", goerr.V("id", m.ID))
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return goerr.Wrap(err, "check id", goerr.V("id", m.ID))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, payload, fingerprint, embedding, version, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, m.ID, payload, fingerprint, encodeEmbedding(m.Embedding), m.Version,
		m.CreatedAt.UnixNano(), m.Timestamp.UnixNano())
	if err != nil {
		return goerr.Wrap(err, "insert memory", goerr.V("id", m.ID))
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit insert", goerr.V("id", m.ID))
	}
	return nil
}

// Get returns the live memory with id. Returns nil, nil if not found.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Memory, error) {
	if err := s.verifyKey(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ? AND deleted = 0`, id)
	m, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get memory", goerr.V("id", id))
	}
	return m, nil
}

func (s *SQLStore) Replace(ctx context.Context, m *models.Memory, expectedVersion int64) error {
	if err := checkReplace(m, expectedVersion, s.dim); err != nil {
		return err
	}
	if err := s.verifyKey(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin replace")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ? AND deleted = 0`, m.ID)
	cur, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return goerr.Wrap(models.ErrNotFound, "replace", goerr.V("id", m.ID))
	}
	if err != nil {
		return goerr.Wrap(err, "read memory for replace", goerr.V("id", m.ID))
	}
	if cur.Version != expectedVersion {
		return goerr.Wrap(models.ErrConflict, "replace",
			goerr.V("id", m.ID), goerr.V("expected", expectedVersion), goerr.V("actual", cur.Version))
	}

	next := m.Clone()
	if next.Content == cur.Content {
		keepDerived(next, cur)
	}
	payload, fingerprint, err := s.seal(next)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories
		SET payload = ?, fingerprint = ?, embedding = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, payload, fingerprint, encodeEmbedding(next.Embedding), next.Version, next.Timestamp.UnixNano(),
		next.ID, expectedVersion)
	if err != nil {
		return goerr.Wrap(err, "update memory", goerr.V("id", m.ID))
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit replace", goerr.V("id", m.ID))
	}
	return nil
}

// Delete tombstones the row and scrubs its sealed payload and embedding.
func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.verifyKey(ctx); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET deleted = 1, deleted_at = ?, payload = NULL, fingerprint = NULL, embedding = NULL
		WHERE id = ? AND deleted = 0
	`, time.Now().UnixNano(), id)
	if err != nil {
		return false, goerr.Wrap(err, "delete memory", goerr.V("id", id))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, goerr.Wrap(err, "delete memory", goerr.V("id", id))
	}
	return n > 0, nil
}

func (s *SQLStore) List(ctx context.Context) ([]*models.Memory, error) {
	if err := s.verifyKey(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE deleted = 0 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, goerr.Wrap(err, "list memories")
	}
	defer rows.Close()

	var out []*models.Memory
	for rows.Next() {
		m, err := s.scanRow(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "scan memory")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "list memories")
	}
	return out, nil
}

func (s *SQLStore) SetEnrichment(ctx context.Context, id, forContent string, e models.Enrichment) (bool, error) {
	if err := checkEmbedding(e.Embedding, s.dim); err != nil {
		return false, err
	}
	if err := s.verifyKey(ctx); err != nil {
		return false, err
	}
	want, err := s.vault.Fingerprint(s.header, forContent)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, goerr.Wrap(err, "begin enrichment")
	}
	defer tx.Rollback()

	var fingerprint sql.NullString
	row := tx.QueryRowContext(ctx,
		`SELECT `+memoryColumns+`, fingerprint FROM memories WHERE id = ? AND deleted = 0`, id)
	cur, err := s.scanRow(scanFunc(func(dest ...any) error {
		return row.Scan(append(dest, &fingerprint)...)
	}))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "read memory for enrichment", goerr.V("id", id))
	}
	if !fingerprint.Valid || fingerprint.String != want {
		return false, nil
	}

	next, changed := enrich(cur, e)
	if !changed {
		return false, nil
	}
	payload, _, err := s.seal(next)
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE memories SET payload = ?, embedding = ? WHERE id = ? AND version = ?`,
		payload, encodeEmbedding(next.Embedding), id, cur.Version)
	if err != nil {
		return false, goerr.Wrap(err, "write enrichment", goerr.V("id", id))
	}
	if err := tx.Commit(); err != nil {
		return false, goerr.Wrap(err, "commit enrichment", goerr.V("id", id))
	}
	return true, nil
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	if err := s.verifyKey(ctx); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE deleted = 0`).Scan(&count)
	if err != nil {
		return 0, goerr.Wrap(err, "count memories")
	}
	return count, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }
