// Package store persists custom catch-all address registrations in SQLite.
// The aggregation core never reads this data; the HTTP layer uses it to let
// users reserve local-parts under the catch-all domains.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MaxAddressesPerUser caps how many catch-all addresses one user may hold.
const MaxAddressesPerUser = 10

// DB wraps the sql.DB connection and provides access to stores.
type DB struct {
	*sql.DB
	Addresses *AddressStore
}

// Open opens the database and runs migrations.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	database := &DB{
		DB:        db,
		Addresses: NewAddressStore(db),
	}
	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS custom_addresses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		address TEXT NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_custom_addresses_user ON custom_addresses(user_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CustomAddress is one reserved catch-all address.
type CustomAddress struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

// AddressStore provides access to custom address registrations.
type AddressStore struct {
	db *sql.DB
}

// NewAddressStore creates an AddressStore.
func NewAddressStore(db *sql.DB) *AddressStore {
	return &AddressStore{db: db}
}

// ErrLimitReached rejects registrations beyond MaxAddressesPerUser.
var ErrLimitReached = fmt.Errorf("address limit of %d reached", MaxAddressesPerUser)

// ErrAddressTaken rejects an address another user already holds.
var ErrAddressTaken = fmt.Errorf("address already registered")

// Register reserves an address for a user.
func (s *AddressStore) Register(userID, address string) (*CustomAddress, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" || !strings.Contains(address, "@") {
		return nil, fmt.Errorf("invalid address %q", address)
	}

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM custom_addresses WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to count addresses: %w", err)
	}
	if count >= MaxAddressesPerUser {
		return nil, ErrLimitReached
	}

	result, err := s.db.Exec(
		"INSERT INTO custom_addresses (user_id, address) VALUES (?, ?)",
		userID, address,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrAddressTaken
		}
		return nil, fmt.Errorf("failed to insert address: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get insert id: %w", err)
	}
	return s.GetByID(id)
}

// GetByID retrieves one registration.
func (s *AddressStore) GetByID(id int64) (*CustomAddress, error) {
	var a CustomAddress
	err := s.db.QueryRow(
		"SELECT id, user_id, address, created_at FROM custom_addresses WHERE id = ?", id,
	).Scan(&a.ID, &a.UserID, &a.Address, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("address %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	return &a, nil
}

// ListByUser returns a user's registrations, oldest first.
func (s *AddressStore) ListByUser(userID string) ([]CustomAddress, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, address, created_at FROM custom_addresses WHERE user_id = ? ORDER BY created_at, id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var out []CustomAddress
	for rows.Next() {
		var a CustomAddress
		if err := rows.Scan(&a.ID, &a.UserID, &a.Address, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes a registration owned by the user. Returns false when no
// matching row exists.
func (s *AddressStore) Delete(userID string, id int64) (bool, error) {
	result, err := s.db.Exec(
		"DELETE FROM custom_addresses WHERE id = ? AND user_id = ?", id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete address: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
