package procgov

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// GroupRecord is the durable trace of one spawned process group.
type GroupRecord struct {
	ID        string
	Pid       int
	Root      string
	StartedAt time.Time
}

// Registry persists process group records so a crashed proxy's orphans can be
// reaped by the next run.
type Registry struct {
	db *sql.DB
}

// DefaultRegistryPath returns the on-disk location of the group registry,
// under the user cache directory when available.
func DefaultRegistryPath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "mcpmux", "groups.db")
}

// OpenRegistry opens (creating if needed) the group registry at path.
func OpenRegistry(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("failed to set registry pragma")
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS process_groups (
		id         TEXT PRIMARY KEY,
		pid        INTEGER NOT NULL,
		root       TEXT NOT NULL,
		started_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}

	return &Registry{db: db}, nil
}

// Add records a freshly spawned group.
func (r *Registry) Add(rec GroupRecord) error {
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO process_groups (id, pid, root, started_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Pid, rec.Root, rec.StartedAt.Unix(),
	)
	return err
}

// Remove deletes a group record after its termination has been confirmed.
func (r *Registry) Remove(id string) error {
	_, err := r.db.Exec(`DELETE FROM process_groups WHERE id = ?`, id)
	return err
}

// List returns every recorded group, oldest first.
func (r *Registry) List() ([]GroupRecord, error) {
	rows, err := r.db.Query(`SELECT id, pid, root, started_at FROM process_groups ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []GroupRecord
	for rows.Next() {
		var rec GroupRecord
		var startedAt int64
		if err := rows.Scan(&rec.ID, &rec.Pid, &rec.Root, &startedAt); err != nil {
			return nil, err
		}
		rec.StartedAt = time.Unix(startedAt, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}
