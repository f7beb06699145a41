package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/m-mizutani/goerr/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/vault"
)

const (
	metaHeader    = "header"
	metaDimension = "dimension"
	metaKeyCheck  = "key_check"

	keyCheckPlaintext = "valora-key-check"
)

// DB wraps the SQLite connection with initialization logic.
type DB struct {
	*sql.DB
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and configures WAL mode for concurrent reads.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, goerr.Wrap(err, "create db directory", goerr.V("dir", dir))
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite")
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "init schema")
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS store_meta (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
  id TEXT PRIMARY KEY,
  payload BLOB,
  fingerprint TEXT,
  embedding BLOB,
  version INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  deleted INTEGER NOT NULL DEFAULT 0,
  deleted_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_memories_visible ON memories(deleted, updated_at);
`
	if _, err := db.Exec(schema); err != nil {
		return goerr.Wrap(err, "create tables")
	}
	return nil
}

// OpenSQL opens a relational store at dbPath. The first open of a database
// fixes its salt and embedding dimension; later opens must use the same
// dimension. The secret itself is verified lazily, before the first read or
// write, so a wrong secret fails that operation with models.ErrAuthentication.
func OpenSQL(dbPath string, v *vault.Vault, dim int) (*SQLStore, error) {
	if dbPath == "" {
		return nil, goerr.Wrap(models.ErrConfiguration, "store path must not be empty")
	}
	if v == nil {
		return nil, goerr.Wrap(models.ErrConfiguration, "vault is required")
	}
	if dim < 1 {
		return nil, goerr.Wrap(models.ErrConfiguration, "embedding dimension must be positive", goerr.V("dim", dim))
	}

	db, err := Open(dbPath)
	if err != nil {
		return nil, goerr.Wrap(err, "open database", goerr.V("path", dbPath))
	}

	h, err := initMeta(db.DB, v, dim)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db, vault: v, header: h, dim: dim}, nil
}

func initMeta(db *sql.DB, v *vault.Vault, dim int) (vault.Header, error) {
	tx, err := db.Begin()
	if err != nil {
		return vault.Header{}, goerr.Wrap(err, "begin meta transaction")
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, metaHeader).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		h, err := v.NewHeader()
		if err != nil {
			return vault.Header{}, err
		}
		check, err := v.Seal(h, []byte(keyCheckPlaintext), []byte(metaKeyCheck))
		if err != nil {
			return vault.Header{}, err
		}
		for key, value := range map[string][]byte{
			metaHeader:    h.Encode(),
			metaDimension: []byte(strconv.Itoa(dim)),
			metaKeyCheck:  check,
		} {
			if _, err := tx.Exec(`INSERT INTO store_meta (key, value) VALUES (?, ?)`, key, value); err != nil {
				return vault.Header{}, goerr.Wrap(err, "write store meta", goerr.V("key", key))
			}
		}
		if err := tx.Commit(); err != nil {
			return vault.Header{}, goerr.Wrap(err, "commit store meta")
		}
		return h, nil

	case err != nil:
		return vault.Header{}, goerr.Wrap(err, "read store header")
	}

	h, err := vault.DecodeHeader(raw)
	if err != nil {
		return vault.Header{}, err
	}

	var dimRaw []byte
	if err := tx.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, metaDimension).Scan(&dimRaw); err != nil {
		return vault.Header{}, goerr.Wrap(models.ErrCorruption, "read stored dimension", goerr.V("cause", err.Error()))
	}
	stored, err := strconv.Atoi(string(dimRaw))
	if err != nil {
		return vault.Header{}, goerr.Wrap(models.ErrCorruption, "parse stored dimension")
	}
	if stored != dim {
		return vault.Header{}, goerr.Wrap(models.ErrConfiguration, "embedding dimension differs from stored database",
			goerr.V("configured", dim), goerr.V("stored", stored))
	}
	return h, nil
}

// verifyKey opens the sealed canary. Success is remembered; failure is
// reported to every caller until the canary opens.
func (s *SQLStore) verifyKey(ctx context.Context) error {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if s.keyOK {
		return nil
	}

	var check []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, metaKeyCheck).Scan(&check)
	if err != nil {
		return goerr.Wrap(models.ErrCorruption, "read key check", goerr.V("cause", err.Error()))
	}
	plaintext, err := s.vault.Open(s.header, check, []byte(metaKeyCheck))
	if err != nil {
		return err
	}
	if string(plaintext) != keyCheckPlaintext {
		return goerr.Wrap(models.ErrCorruption, "unexpected key check value")
	}
	s.keyOK = true
	return nil
}
