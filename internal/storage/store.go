// Package storage provides the durable stores: a SQLite-backed server store
// (settings, paired clients, audit log, transfer manifests) and a Bolt-backed
// agent store (binding, transfer resume state).
package storage

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/controledu/backend/internal/observability"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrClientUnknown = errors.New("paired client not found")
)

// PairedClient is one durable pairing record.
type PairedClient struct {
	ClientID          string    `json:"clientId"`
	Token             string    `json:"-"`
	HostName          string    `json:"hostName"`
	UserName          string    `json:"userName"`
	OsDescription     string    `json:"osDescription"`
	LocalIP           string    `json:"localIp,omitempty"`
	CreatedAtUtc      time.Time `json:"createdAtUtc"`
	TokenExpiresAtUtc time.Time `json:"tokenExpiresAtUtc"`
}

// TransferRecord is the durable manifest of one server-side file transfer.
type TransferRecord struct {
	TransferID   string
	FileName     string
	Sha256       string
	FileSize     int64
	ChunkSize    int
	TotalChunks  int
	UploadedBy   string
	CreatedAtUtc time.Time
	Targets      []string
}

// Store is the SQLite-backed durable server store.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	metrics *observability.Metrics
}

// SetMetrics attaches the operation counters. Must be called before the
// store is shared across goroutines.
func (s *Store) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

func (s *Store) countOp(operation string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.DatabaseOperationsTotal.WithLabelValues(operation, result).Inc()
}

// Open opens (or creates) the store at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS paired_clients (
			client_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			host_name TEXT NOT NULL,
			user_name TEXT NOT NULL,
			os_description TEXT NOT NULL,
			local_ip TEXT,
			created_at TIMESTAMP NOT NULL,
			token_expires_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			details TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transfers (
			transfer_id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			uploaded_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			targets TEXT NOT NULL DEFAULT '[]'
		);

		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns the value for key, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	s.countOp("set_setting", err)
	if err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

// UpsertPairedClient inserts or replaces a pairing row. Re-pairing replaces
// the token.
func (s *Store) UpsertPairedClient(c PairedClient) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO paired_clients
		(client_id, token, host_name, user_name, os_description, local_ip, created_at, token_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.Token, c.HostName, c.UserName, c.OsDescription, c.LocalIP,
		c.CreatedAtUtc, c.TokenExpiresAtUtc,
	)
	s.countOp("upsert_paired_client", err)
	if err != nil {
		return fmt.Errorf("failed to upsert paired client: %w", err)
	}
	return nil
}

// GetPairedClient returns the pairing row for clientID.
func (s *Store) GetPairedClient(clientID string) (*PairedClient, error) {
	row := s.db.QueryRow(`
		SELECT client_id, token, host_name, user_name, os_description, local_ip, created_at, token_expires_at
		FROM paired_clients WHERE client_id = ?`, clientID)
	return scanPairedClient(row)
}

// ListPairedClients returns every pairing row ordered by creation time.
func (s *Store) ListPairedClients() ([]*PairedClient, error) {
	rows, err := s.db.Query(`
		SELECT client_id, token, host_name, user_name, os_description, local_ip, created_at, token_expires_at
		FROM paired_clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list paired clients: %w", err)
	}
	defer rows.Close()

	var clients []*PairedClient
	for rows.Next() {
		c, err := scanPairedClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// DeletePairedClient removes the pairing row for clientID.
func (s *Store) DeletePairedClient(clientID string) error {
	res, err := s.db.Exec("DELETE FROM paired_clients WHERE client_id = ?", clientID)
	s.countOp("delete_paired_client", err)
	if err != nil {
		return fmt.Errorf("failed to delete paired client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClientUnknown
	}
	return nil
}

// ValidateToken checks token against the stored value in constant time AND
// verifies the token has not expired.
func (s *Store) ValidateToken(clientID, token string, now time.Time) bool {
	c, err := s.GetPairedClient(clientID)
	if err != nil {
		return false
	}
	match := subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1
	return match && now.Before(c.TokenExpiresAtUtc)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPairedClient(row rowScanner) (*PairedClient, error) {
	var c PairedClient
	var localIP sql.NullString
	err := row.Scan(&c.ClientID, &c.Token, &c.HostName, &c.UserName,
		&c.OsDescription, &localIP, &c.CreatedAtUtc, &c.TokenExpiresAtUtc)
	if err == sql.ErrNoRows {
		return nil, ErrClientUnknown
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan paired client: %w", err)
	}
	c.LocalIP = localIP.String
	return &c, nil
}

// AppendAudit appends one audit entry. Appends are serialized.
func (s *Store) AppendAudit(action, actor, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"INSERT INTO audit_log (timestamp, action, actor, details) VALUES (?, ?, ?, ?)",
		time.Now().UTC(), action, actor, details,
	)
	s.countOp("append_audit", err)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditEntry mirrors one audit row.
type AuditEntry struct {
	ID           int64
	TimestampUtc time.Time
	Action       string
	Actor        string
	Details      string
}

// LatestAudit returns the newest n audit entries, newest first.
func (s *Store) LatestAudit(n int) ([]AuditEntry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.Query(
		"SELECT id, timestamp, action, actor, details FROM audit_log ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TimestampUtc, &e.Action, &e.Actor, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveTransfer upserts a transfer manifest row.
func (s *Store) SaveTransfer(t TransferRecord) error {
	targets, err := json.Marshal(t.Targets)
	if err != nil {
		return fmt.Errorf("failed to marshal targets: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO transfers
		(transfer_id, file_name, sha256, file_size, chunk_size, total_chunks, uploaded_by, created_at, targets)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TransferID, t.FileName, t.Sha256, t.FileSize, t.ChunkSize, t.TotalChunks,
		t.UploadedBy, t.CreatedAtUtc, string(targets),
	)
	s.countOp("save_transfer", err)
	if err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}
	return nil
}

// GetTransfer loads a transfer manifest row.
func (s *Store) GetTransfer(transferID string) (*TransferRecord, error) {
	var t TransferRecord
	var targets string
	err := s.db.QueryRow(`
		SELECT transfer_id, file_name, sha256, file_size, chunk_size, total_chunks, uploaded_by, created_at, targets
		FROM transfers WHERE transfer_id = ?`, transferID).
		Scan(&t.TransferID, &t.FileName, &t.Sha256, &t.FileSize, &t.ChunkSize,
			&t.TotalChunks, &t.UploadedBy, &t.CreatedAtUtc, &targets)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &t.Targets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal targets: %w", err)
	}
	return &t, nil
}

// ListTransfers returns every transfer manifest, newest first.
func (s *Store) ListTransfers() ([]*TransferRecord, error) {
	rows, err := s.db.Query("SELECT transfer_id FROM transfers ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []*TransferRecord
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		t, err := s.GetTransfer(id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
