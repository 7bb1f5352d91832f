package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/TernSecure/realtime-server/internal/models"
)

// SQLStore is the tenant registry. A tenant key is only accepted at
// authentication when it has a row here.
type SQLStore struct {
	db         *sql.DB
	driverName string
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS tenants (
		tenant_key TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if s.driverName == "postgres" {
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMP")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// CreateTenant is idempotent: registering a known key keeps the existing row.
func (s *SQLStore) CreateTenant(key, name string) error {
	if key == "" {
		return models.ErrInvalidInput
	}
	query := s.rebind("INSERT INTO tenants (tenant_key, name, created_at) VALUES (?, ?, ?) ON CONFLICT (tenant_key) DO NOTHING")
	_, err := s.db.Exec(query, key, name, time.Now().UTC())
	return err
}

func (s *SQLStore) GetTenant(key string) (*models.Tenant, error) {
	var tenant models.Tenant
	query := s.rebind("SELECT tenant_key, name, created_at FROM tenants WHERE tenant_key = ?")
	err := s.db.QueryRow(query, key).Scan(&tenant.Key, &tenant.Name, &tenant.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *SQLStore) TenantExists(key string) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM tenants WHERE tenant_key = ?)")
	err := s.db.QueryRow(query, key).Scan(&exists)
	return exists, err
}

func (s *SQLStore) ListTenants() ([]models.Tenant, error) {
	rows, err := s.db.Query("SELECT tenant_key, name, created_at FROM tenants ORDER BY tenant_key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.Key, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *SQLStore) DeleteTenant(key string) error {
	query := s.rebind("DELETE FROM tenants WHERE tenant_key = ?")
	result, err := s.db.Exec(query, key)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrTenantNotFound
	}
	return nil
}

// Seed registers every key of a comma-separated list. Entries may carry a
// display name as key=name.
func (s *SQLStore) Seed(list string) error {
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, name, _ := strings.Cut(entry, "=")
		if err := s.CreateTenant(strings.TrimSpace(key), strings.TrimSpace(name)); err != nil {
			return fmt.Errorf("seed tenant %q: %w", key, err)
		}
	}
	return nil
}
