// Package store persists clients and materials in an embedded SQLite
// database. Concurrent stage tasks coordinate through optimistic locking:
// every material row carries a version counter, and updates only land when
// the caller's copy is still current.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	listCacheSize = 256
	listCacheTTL  = 60 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	archived   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS materials (
	id                           TEXT PRIMARY KEY,
	client_id                    TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	kind                         TEXT NOT NULL,
	file_path                    TEXT NOT NULL DEFAULT '',
	url                          TEXT NOT NULL DEFAULT '',
	original_filename            TEXT NOT NULL DEFAULT '',
	status                       TEXT NOT NULL DEFAULT '',
	processing_step              TEXT NOT NULL DEFAULT '',
	progress                     INTEGER NOT NULL DEFAULT 0,
	translation_text_info        TEXT,
	llm_translation_result       TEXT,
	translation_error            TEXT,
	translated_image_path        TEXT NOT NULL DEFAULT '',
	entity_recognition_enabled   INTEGER NOT NULL DEFAULT 0,
	entity_recognition_mode      TEXT NOT NULL DEFAULT '',
	entity_recognition_result    TEXT,
	entity_recognition_confirmed INTEGER NOT NULL DEFAULT 0,
	entity_recognition_triggered INTEGER NOT NULL DEFAULT 0,
	entity_user_edits            TEXT,
	entity_recognition_error     TEXT,
	edited_regions               TEXT,
	final_image_path             TEXT NOT NULL DEFAULT '',
	has_edited_version           INTEGER NOT NULL DEFAULT 0,
	selected_result              TEXT NOT NULL DEFAULT '',
	pdf_session_id               TEXT NOT NULL DEFAULT '',
	pdf_page_number              INTEGER NOT NULL DEFAULT 0,
	pdf_total_pages              INTEGER NOT NULL DEFAULT 0,
	pdf_original_file            TEXT NOT NULL DEFAULT '',
	original_pdf_path            TEXT NOT NULL DEFAULT '',
	version                      INTEGER NOT NULL DEFAULT 1,
	created_at                   TIMESTAMP NOT NULL,
	updated_at                   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_materials_client  ON materials(client_id);
CREATE INDEX IF NOT EXISTS idx_materials_session ON materials(pdf_session_id) WHERE pdf_session_id != '';
`

// Store wraps the SQLite database plus a short-lived per-client list cache.
type Store struct {
	db        *sqlx.DB
	listCache *expirable.LRU[string, []Material]
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Pass ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent stage tasks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:        db,
		listCache: expirable.NewLRU[string, []Material](listCacheSize, nil, listCacheTTL),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const materialColumns = `id, client_id, kind, file_path, url, original_filename,
	status, processing_step, progress,
	translation_text_info, llm_translation_result, translation_error, translated_image_path,
	entity_recognition_enabled, entity_recognition_mode, entity_recognition_result,
	entity_recognition_confirmed, entity_recognition_triggered, entity_user_edits,
	entity_recognition_error,
	edited_regions, final_image_path, has_edited_version, selected_result,
	pdf_session_id, pdf_page_number, pdf_total_pages, pdf_original_file, original_pdf_path,
	version, created_at, updated_at`

const materialInsert = `INSERT INTO materials (` + materialColumns + `) VALUES (
	:id, :client_id, :kind, :file_path, :url, :original_filename,
	:status, :processing_step, :progress,
	:translation_text_info, :llm_translation_result, :translation_error, :translated_image_path,
	:entity_recognition_enabled, :entity_recognition_mode, :entity_recognition_result,
	:entity_recognition_confirmed, :entity_recognition_triggered, :entity_user_edits,
	:entity_recognition_error,
	:edited_regions, :final_image_path, :has_edited_version, :selected_result,
	:pdf_session_id, :pdf_page_number, :pdf_total_pages, :pdf_original_file, :original_pdf_path,
	:version, :created_at, :updated_at)`

const materialUpdate = `UPDATE materials SET
	client_id = :client_id, kind = :kind, file_path = :file_path, url = :url,
	original_filename = :original_filename,
	status = :status, processing_step = :processing_step, progress = :progress,
	translation_text_info = :translation_text_info,
	llm_translation_result = :llm_translation_result,
	translation_error = :translation_error,
	translated_image_path = :translated_image_path,
	entity_recognition_enabled = :entity_recognition_enabled,
	entity_recognition_mode = :entity_recognition_mode,
	entity_recognition_result = :entity_recognition_result,
	entity_recognition_confirmed = :entity_recognition_confirmed,
	entity_recognition_triggered = :entity_recognition_triggered,
	entity_user_edits = :entity_user_edits,
	entity_recognition_error = :entity_recognition_error,
	edited_regions = :edited_regions,
	final_image_path = :final_image_path,
	has_edited_version = :has_edited_version,
	selected_result = :selected_result,
	pdf_session_id = :pdf_session_id, pdf_page_number = :pdf_page_number,
	pdf_total_pages = :pdf_total_pages, pdf_original_file = :pdf_original_file,
	original_pdf_path = :original_pdf_path,
	version = :version + 1, updated_at = :updated_at
	WHERE id = :id AND version = :version`

// InsertMaterial stores a new material. Version starts at 1 regardless of the
// caller's value.
func (s *Store) InsertMaterial(ctx context.Context, m *Material) error {
	return insertMaterial(ctx, s.db, m, s)
}

func insertMaterial(ctx context.Context, e sqlx.ExtContext, m *Material, s *Store) error {
	now := time.Now().UTC()
	m.Version = 1
	m.CreatedAt = now
	m.UpdatedAt = now
	if _, err := sqlx.NamedExecContext(ctx, e, materialInsert, m); err != nil {
		return fmt.Errorf("insert material %s: %w", m.ID, err)
	}
	s.invalidate(m.ClientID)
	return nil
}

// GetMaterial loads one material by ID.
func (s *Store) GetMaterial(ctx context.Context, id string) (*Material, error) {
	return getMaterial(ctx, s.db, id)
}

func getMaterial(ctx context.Context, q sqlx.QueryerContext, id string) (*Material, error) {
	var m Material
	err := sqlx.GetContext(ctx, q, &m,
		`SELECT `+materialColumns+` FROM materials WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("material %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get material %s: %w", id, err)
	}
	return &m, nil
}

// UpdateMaterial writes m back. m.Version must hold the version the caller
// read; on success the stored row (and m) carry version+1. Returns
// ErrVersionConflict when another writer got there first.
func (s *Store) UpdateMaterial(ctx context.Context, m *Material) error {
	return updateMaterial(ctx, s.db, m, s)
}

func updateMaterial(ctx context.Context, e sqlx.ExtContext, m *Material, s *Store) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := sqlx.NamedExecContext(ctx, e, materialUpdate, m)
	if err != nil {
		return fmt.Errorf("update material %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update material %s: %w", m.ID, err)
	}
	if n == 0 {
		if _, err := getMaterial(ctx, e, m.ID); err != nil {
			return err
		}
		return fmt.Errorf("material %s at version %d: %w", m.ID, m.Version, ErrVersionConflict)
	}
	m.Version++
	s.invalidate(m.ClientID)
	return nil
}

// ListMaterials returns all materials for a client, newest first. Results
// are served from a 60 second cache; mutations through this store invalidate
// the client's entry immediately.
func (s *Store) ListMaterials(ctx context.Context, clientID string) ([]Material, error) {
	if cached, ok := s.listCache.Get(clientID); ok {
		out := make([]Material, len(cached))
		copy(out, cached)
		return out, nil
	}
	var list []Material
	err := sqlx.SelectContext(ctx, s.db, &list,
		`SELECT `+materialColumns+` FROM materials WHERE client_id = ? ORDER BY created_at DESC, id DESC`,
		clientID)
	if err != nil {
		return nil, fmt.Errorf("list materials for client %s: %w", clientID, err)
	}
	s.listCache.Add(clientID, list)
	out := make([]Material, len(list))
	copy(out, list)
	return out, nil
}

// ListSessionMaterials returns every page of a PDF session in page order.
func (s *Store) ListSessionMaterials(ctx context.Context, sessionID string) ([]Material, error) {
	return listSessionMaterials(ctx, s.db, sessionID)
}

func listSessionMaterials(ctx context.Context, q sqlx.QueryerContext, sessionID string) ([]Material, error) {
	var list []Material
	err := sqlx.SelectContext(ctx, q, &list,
		`SELECT `+materialColumns+` FROM materials WHERE pdf_session_id = ? ORDER BY pdf_page_number`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session %s materials: %w", sessionID, err)
	}
	return list, nil
}

// DeleteMaterial removes a material row.
func (s *Store) DeleteMaterial(ctx context.Context, id string) error {
	m, err := s.GetMaterial(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM materials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete material %s: %w", id, err)
	}
	s.invalidate(m.ClientID)
	return nil
}

// InvalidateMaterials drops the cached list for one client.
func (s *Store) InvalidateMaterials(clientID string) {
	s.invalidate(clientID)
}

func (s *Store) invalidate(clientID string) {
	if s != nil && s.listCache != nil {
		s.listCache.Remove(clientID)
	}
}

// Tx exposes material operations inside one SQLite transaction. Used for
// session-wide updates that must land atomically across sibling pages.
type Tx struct {
	tx *sqlx.Tx
	s  *Store
}

// GetMaterial loads one material inside the transaction.
func (t *Tx) GetMaterial(ctx context.Context, id string) (*Material, error) {
	return getMaterial(ctx, t.tx, id)
}

// UpdateMaterial writes m back inside the transaction with the same
// optimistic-lock semantics as Store.UpdateMaterial.
func (t *Tx) UpdateMaterial(ctx context.Context, m *Material) error {
	return updateMaterial(ctx, t.tx, m, nil)
}

// InsertMaterial stores a new material inside the transaction.
func (t *Tx) InsertMaterial(ctx context.Context, m *Material) error {
	return insertMaterial(ctx, t.tx, m, nil)
}

// ListSessionMaterials returns a session's pages inside the transaction.
func (t *Tx) ListSessionMaterials(ctx context.Context, sessionID string) ([]Material, error) {
	return listSessionMaterials(ctx, t.tx, sessionID)
}

// Transact runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise. The whole list cache is purged after a successful
// commit since a transaction may touch several clients.
func (s *Store) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx, s: s}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.listCache.Purge()
	return nil
}
