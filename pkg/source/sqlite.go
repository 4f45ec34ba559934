package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ssargent/featurestream/pkg/model"
)

const (
	defaultPageSize = 256

	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS properties (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	text_value TEXT,
	blob_value BLOB,
	path TEXT
);
CREATE INDEX IF NOT EXISTS idx_properties_doc ON properties(doc_id);
`

// SQLiteSource reads units from a document catalog. Documents are served in
// doc_id order, one page at a time.
type SQLiteSource struct {
	db       *sql.DB
	path     string
	pageSize int

	mu     sync.Mutex
	page   []string
	cursor string
	done   bool
}

// OpenSQLite opens (and creates, if needed) the catalog at path
func OpenSQLite(ctx context.Context, path string) (*SQLiteSource, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create source dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLiteSource{db: db, path: path, pageSize: defaultPageSize}
	if err := s.CreateSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// CreateSchema creates the catalog tables
func (s *SQLiteSource) CreateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the catalog location
func (s *SQLiteSource) Path() string {
	return s.path
}

// Count returns the number of documents in the catalog
func (s *SQLiteSource) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// InsertUnit stores a unit, replacing any previous version of it. Category
// values are stored one row per value.
func (s *SQLiteSource) InsertUnit(ctx context.Context, unit model.Unit) error {
	if strings.TrimSpace(unit.ID) == "" {
		return errors.New("unit id must not be empty")
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, unit.ID); err != nil {
			return fmt.Errorf("replace %s: %w", unit.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO documents (doc_id) VALUES (?)`, unit.ID); err != nil {
			return fmt.Errorf("insert %s: %w", unit.ID, err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO properties (doc_id, name, kind, text_value, blob_value, path) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for name, prop := range unit.Properties {
			if prop.Kind == model.KindCategory && len(prop.Values) > 0 {
				for _, v := range prop.Values {
					if _, err := stmt.ExecContext(ctx, unit.ID, name, string(prop.Kind), v, nil, nil); err != nil {
						return fmt.Errorf("insert %s.%s: %w", unit.ID, name, err)
					}
				}
				continue
			}
			if _, err := stmt.ExecContext(ctx, unit.ID, name, string(prop.Kind),
				nullString(prop.Text), nullBytes(prop.Blob), nullString(prop.Path)); err != nil {
				return fmt.Errorf("insert %s.%s: %w", unit.ID, name, err)
			}
		}
		return tx.Commit()
	})
}

// Next returns the next document as a unit
func (s *SQLiteSource) Next(ctx context.Context) (model.Unit, error) {
	if err := ctx.Err(); err != nil {
		return model.Unit{}, err
	}

	s.mu.Lock()
	if len(s.page) == 0 && !s.done {
		if err := s.fetchPage(ctx); err != nil {
			s.mu.Unlock()
			return model.Unit{}, err
		}
	}
	if len(s.page) == 0 {
		s.mu.Unlock()
		return model.Unit{}, io.EOF
	}
	docID := s.page[0]
	s.page = s.page[1:]
	s.mu.Unlock()

	return s.load(ctx, docID)
}

// Reset restarts iteration from the first document
func (s *SQLiteSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = nil
	s.cursor = ""
	s.done = false
}

func (s *SQLiteSource) fetchPage(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id FROM documents WHERE doc_id > ? ORDER BY doc_id LIMIT ?`,
		s.cursor, s.pageSize)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		s.page = append(s.page, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	if len(s.page) < s.pageSize {
		s.done = true
	}
	if len(s.page) > 0 {
		s.cursor = s.page[len(s.page)-1]
	}
	return nil
}

func (s *SQLiteSource) load(ctx context.Context, docID string) (model.Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, text_value, blob_value, path FROM properties WHERE doc_id = ? ORDER BY id`,
		docID)
	if err != nil {
		return model.Unit{}, fmt.Errorf("load %s: %w", docID, err)
	}
	defer rows.Close()

	unit := model.Unit{ID: docID, Properties: make(map[string]model.Property)}
	for rows.Next() {
		var (
			name, kind string
			text, path sql.NullString
			blob       []byte
		)
		if err := rows.Scan(&name, &kind, &text, &blob, &path); err != nil {
			return model.Unit{}, fmt.Errorf("scan %s: %w", docID, err)
		}

		prop := unit.Properties[name]
		prop.Kind = model.Kind(kind)
		switch prop.Kind {
		case model.KindCategory:
			if text.Valid {
				prop.Values = append(prop.Values, text.String)
			}
		default:
			prop.Text = text.String
			prop.Blob = blob
			prop.Path = path.String
		}
		unit.Properties[name] = prop
	}
	if err := rows.Err(); err != nil {
		return model.Unit{}, fmt.Errorf("load %s: %w", docID, err)
	}
	return unit, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
