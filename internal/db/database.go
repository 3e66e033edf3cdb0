package db

import (
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
)

type Database struct {
	db *sql.DB
}

type Document struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Version struct {
	ID          int       `json:"id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"` // Auto-saved vs manual
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_ops (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		rev INTEGER NOT NULL,
		op_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_document_ops_document_id ON document_ops(document_id);

	CREATE TABLE IF NOT EXISTS document_snapshots (
		document_id TEXT PRIMARY KEY,
		rev INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS document_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT DEFAULT '',
		is_auto BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_document_versions_document_id ON document_versions(document_id);
	CREATE INDEX IF NOT EXISTS idx_document_versions_created_at ON document_versions(document_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Document operations

func (d *Database) CreateDocument(id, name string) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO documents (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetDocument(id string) (*Document, error) {
	row := d.db.QueryRow(
		"SELECT id, name, created_at, updated_at FROM documents WHERE id = ?",
		id,
	)

	var doc Document
	err := row.Scan(&doc.ID, &doc.Name, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Database) ListDocuments(limit, offset int) ([]Document, error) {
	rows, err := d.db.Query(
		"SELECT id, name, created_at, updated_at FROM documents ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (d *Database) UpdateDocumentTimestamp(id string) error {
	_, err := d.db.Exec(
		"UPDATE documents SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

func (d *Database) DeleteDocument(id string) error {
	_, err := d.db.Exec("DELETE FROM documents WHERE id = ?", id)
	return err
}

// Op log operations

// SaveOp persists a single applied operation at rev, creating the
// document row if it doesn't exist yet.
func (d *Database) SaveOp(documentID string, rev int, op ot.Op) error {
	if err := d.CreateDocument(documentID, ""); err != nil {
		return err
	}

	opJSON, err := json.Marshal(op)
	if err != nil {
		return err
	}

	if _, err := d.db.Exec(
		"INSERT INTO document_ops (document_id, rev, op_json) VALUES (?, ?, ?)",
		documentID, rev, string(opJSON),
	); err != nil {
		return err
	}

	return d.UpdateDocumentTimestamp(documentID)
}

func (d *Database) GetAllOps(documentID string) ([]ot.Op, error) {
	return d.GetOpsAfterRev(documentID, 0)
}

// GetOpsAfterRev returns every persisted op strictly after afterRev, in
// revision order. Compaction uses this instead of GetAllOps once a
// snapshot exists, since the op log's retained tail can extend back
// earlier than the snapshot's revision and replaying those ops again
// on top of the snapshotted text would double-apply them.
func (d *Database) GetOpsAfterRev(documentID string, afterRev int) ([]ot.Op, error) {
	rows, err := d.db.Query(
		"SELECT op_json FROM document_ops WHERE document_id = ? AND rev > ? ORDER BY rev ASC",
		documentID, afterRev,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []ot.Op
	for rows.Next() {
		var opJSON string
		if err := rows.Scan(&opJSON); err != nil {
			return nil, err
		}
		var op ot.Op
		if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (d *Database) GetOpCount(documentID string) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM document_ops WHERE document_id = ?",
		documentID,
	).Scan(&count)
	return count, err
}

// Snapshot operations (for compaction)

func (d *Database) SaveSnapshot(documentID string, rev int, text string) error {
	_, err := d.db.Exec(`
		INSERT INTO document_snapshots (document_id, rev, text, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document_id) DO UPDATE SET
			rev = excluded.rev,
			text = excluded.text,
			updated_at = CURRENT_TIMESTAMP
	`, documentID, rev, text)
	return err
}

func (d *Database) GetSnapshot(documentID string) (rev int, text string, err error) {
	err = d.db.QueryRow(
		"SELECT rev, text FROM document_snapshots WHERE document_id = ?",
		documentID,
	).Scan(&rev, &text)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	return rev, text, err
}

// DeleteOpsUpToRev drops every persisted op at or below throughRev,
// mirroring the teacher's keep-most-recent-N trim but expressed as a
// revision watermark since rev, not row count, is the unit the
// compaction service reasons in.
func (d *Database) DeleteOpsUpToRev(documentID string, throughRev int) error {
	_, err := d.db.Exec(
		"DELETE FROM document_ops WHERE document_id = ? AND rev <= ?",
		documentID, throughRev,
	)
	return err
}

// Version operations

// CreateVersion saves a new version of the document
func (d *Database) CreateVersion(documentID, name, description, content, contentHash, createdBy string, isAuto bool) (*Version, error) {
	result, err := d.db.Exec(`
		INSERT INTO document_versions (document_id, name, description, content, content_hash, created_by, is_auto)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, documentID, name, description, content, contentHash, createdBy, isAuto)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetVersion(int(id))
}

// GetVersion retrieves a specific version by ID
func (d *Database) GetVersion(id int) (*Version, error) {
	row := d.db.QueryRow(`
		SELECT id, document_id, name, description, content, content_hash, created_by, is_auto, created_at
		FROM document_versions WHERE id = ?
	`, id)

	var v Version
	err := row.Scan(&v.ID, &v.DocumentID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns all versions for a document, newest first
func (d *Database) ListVersions(documentID string, limit, offset int) ([]Version, error) {
	rows, err := d.db.Query(`
		SELECT id, document_id, name, description, content, content_hash, created_by, is_auto, created_at
		FROM document_versions
		WHERE document_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, documentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetVersionCount returns the number of versions for a document
func (d *Database) GetVersionCount(documentID string) (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM document_versions WHERE document_id = ?", documentID).Scan(&count)
	return count, err
}

// GetLatestVersion returns the most recent version for a document
func (d *Database) GetLatestVersion(documentID string) (*Version, error) {
	row := d.db.QueryRow(`
		SELECT id, document_id, name, description, content, content_hash, created_by, is_auto, created_at
		FROM document_versions
		WHERE document_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, documentID)

	var v Version
	err := row.Scan(&v.ID, &v.DocumentID, &v.Name, &v.Description, &v.Content, &v.ContentHash, &v.CreatedBy, &v.IsAuto, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteVersion removes a version by ID
func (d *Database) DeleteVersion(id int) error {
	_, err := d.db.Exec("DELETE FROM document_versions WHERE id = ?", id)
	return err
}

// DeleteOldAutoVersions removes old auto-saved versions, keeping the most recent N
func (d *Database) DeleteOldAutoVersions(documentID string, keepCount int) error {
	_, err := d.db.Exec(`
		DELETE FROM document_versions
		WHERE document_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM document_versions
			WHERE document_id = ? AND is_auto = TRUE
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, documentID, documentID, keepCount)
	return err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var docCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&docCount); err != nil {
		return nil, err
	}
	stats["document_count"] = docCount

	var opCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM document_ops").Scan(&opCount); err != nil {
		return nil, err
	}
	stats["op_count"] = opCount

	return stats, nil
}
