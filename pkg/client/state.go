package client

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State keeps client-side settings between runs: the last username and
// the servers this client has joined.
type State struct {
	db  *sql.DB
	dir string
}

// ServerRecord is one entry of the connection history
type ServerRecord struct {
	Address    string // Dialable form, e.g. ssh://host:2222
	Transport  string // Address scheme: tcp, ssh, ws or wss
	Username   string
	LastJoinAt time.Time
	JoinCount  int
}

// schema is applied in order; user_version records how far we got
var schema = []string{
	`CREATE TABLE IF NOT EXISTS Config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ServerHistory (
		host_port    TEXT PRIMARY KEY,
		host         TEXT NOT NULL,
		address      TEXT NOT NULL,
		transport    TEXT NOT NULL,
		username     TEXT NOT NULL,
		last_join_at INTEGER NOT NULL,
		join_count   INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_server_history_host ON ServerHistory (host, last_join_at)`,
}

// DefaultStatePath returns ~/.sbcp/client.db
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "client.db"
	}
	return filepath.Join(home, ".sbcp", "client.db")
}

// OpenState opens or creates the state database at path
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure state database (%s): %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &State{db: db, dir: dir}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(schema); i++ {
		if _, err := db.Exec(schema[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bound parameters
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (s *State) Close() error {
	return s.db.Close()
}

// Dir returns the directory holding the database
func (s *State) Dir() string {
	return s.dir
}

// GetConfig returns the value for key, or "" when unset
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)", key, value)
	return err
}

// LastUsername returns the username of the last successful join
func (s *State) LastUsername() string {
	name, _ := s.GetConfig("last_username")
	return name
}

// LastServer returns the address of the last successful join
func (s *State) LastServer() string {
	addr, _ := s.GetConfig("last_server")
	return addr
}

// RecordJoin remembers a successful join
func (s *State) RecordJoin(addr Address, username string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO ServerHistory (host_port, host, address, transport, username, last_join_at, join_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(host_port) DO UPDATE SET
			address = excluded.address,
			transport = excluded.transport,
			username = excluded.username,
			last_join_at = excluded.last_join_at,
			join_count = join_count + 1
	`, addr.HostPort(), addr.Host, addr.String(), addr.Scheme, username, time.Now().UnixMilli()); err != nil {
		return err
	}
	for key, value := range map[string]string{"last_username": username, "last_server": addr.String()} {
		if _, err := tx.Exec("INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)", key, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LastTransport returns the scheme last used to reach key, which is either
// host:port or a bare host. It returns "" when there is no history.
func (s *State) LastTransport(key string) (string, error) {
	query := "SELECT transport FROM ServerHistory WHERE host_port = ?"
	if _, _, err := net.SplitHostPort(key); err != nil {
		query = "SELECT transport FROM ServerHistory WHERE host = ? ORDER BY last_join_at DESC LIMIT 1"
	}
	var transport string
	err := s.db.QueryRow(query, key).Scan(&transport)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return transport, err
}

// RecentServers returns up to limit servers, most recently joined first
func (s *State) RecentServers(limit int) ([]ServerRecord, error) {
	rows, err := s.db.Query(`
		SELECT address, transport, username, last_join_at, join_count
		FROM ServerHistory
		ORDER BY last_join_at DESC, address
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ServerRecord
	for rows.Next() {
		var r ServerRecord
		var at int64
		if err := rows.Scan(&r.Address, &r.Transport, &r.Username, &at, &r.JoinCount); err != nil {
			return nil, err
		}
		r.LastJoinAt = time.UnixMilli(at)
		records = append(records, r)
	}
	return records, rows.Err()
}
