package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/conductor/internal/pattern"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			message_type TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			payload_shape TEXT,
			action TEXT,
			context TEXT,
			confidence REAL NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			last_used_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_message_type ON patterns(message_type);`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_domain ON patterns(domain);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Pattern Implementation

// SavePattern inserts or fully replaces a pattern. The upsert keeps
// outcome feedback (confidence, usage count) a single synchronous write.
func (s *SQLiteStore) SavePattern(p *pattern.AutomationPattern) error {
	shapeJSON, err := json.Marshal(p.PayloadShape)
	if err != nil {
		return fmt.Errorf("failed to marshal payload shape: %w", err)
	}
	actionJSON, err := json.Marshal(p.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	contextJSON, err := json.Marshal(p.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	query := `INSERT INTO patterns (id, message_type, domain, payload_shape, action, context, confidence, usage_count, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			message_type = excluded.message_type,
			domain = excluded.domain,
			payload_shape = excluded.payload_shape,
			action = excluded.action,
			context = excluded.context,
			confidence = excluded.confidence,
			usage_count = excluded.usage_count,
			last_used_at = excluded.last_used_at`
	_, err = s.db.Exec(query, p.ID, p.MessageType, p.Context.Domain,
		string(shapeJSON), string(actionJSON), string(contextJSON),
		p.Confidence, p.UsageCount, p.CreatedAt, p.LastUsedAt)
	return err
}

func (s *SQLiteStore) GetPattern(id string) (*pattern.AutomationPattern, error) {
	query := `SELECT id, message_type, payload_shape, action, context, confidence, usage_count, created_at, last_used_at
		FROM patterns WHERE id = ?`
	row := s.db.QueryRow(query, id)

	p, err := scanPattern(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("pattern not found: %s", id)
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ListPatterns() ([]*pattern.AutomationPattern, error) {
	return s.queryPatterns(`SELECT id, message_type, payload_shape, action, context, confidence, usage_count, created_at, last_used_at
		FROM patterns ORDER BY created_at`)
}

func (s *SQLiteStore) PatternsByMessageType(messageType string) ([]*pattern.AutomationPattern, error) {
	return s.queryPatterns(`SELECT id, message_type, payload_shape, action, context, confidence, usage_count, created_at, last_used_at
		FROM patterns WHERE message_type = ?`, messageType)
}

func (s *SQLiteStore) PatternsByDomain(domain string) ([]*pattern.AutomationPattern, error) {
	return s.queryPatterns(`SELECT id, message_type, payload_shape, action, context, confidence, usage_count, created_at, last_used_at
		FROM patterns WHERE domain = ?`, domain)
}

func (s *SQLiteStore) DeletePattern(id string) error {
	res, err := s.db.Exec(`DELETE FROM patterns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("pattern not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) queryPatterns(query string, args ...interface{}) ([]*pattern.AutomationPattern, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*pattern.AutomationPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row rowScanner) (*pattern.AutomationPattern, error) {
	var p pattern.AutomationPattern
	var shapeJSON, actionJSON, contextJSON string
	if err := row.Scan(&p.ID, &p.MessageType, &shapeJSON, &actionJSON, &contextJSON,
		&p.Confidence, &p.UsageCount, &p.CreatedAt, &p.LastUsedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(shapeJSON), &p.PayloadShape); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload shape: %w", err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &p.Action); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &p.Context); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return &p, nil
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

func (s *SQLiteStore) GetConfig(key string) (string, error) {
	query := `SELECT value FROM configuration WHERE key = ?`
	row := s.db.QueryRow(query, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value, nil
}
