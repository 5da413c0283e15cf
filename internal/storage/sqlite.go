package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FileName is the database file kept inside the index directory.
const FileName = "index.db"

// Store is the on-disk form of the vector index: a single SQLite file
// holding chunk metadata, embeddings and index-wide settings.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the index database in dir and runs pending migrations.
// Pass ":memory:" as dir for an in-memory database (used by tests).
func Open(dir string) (*Store, error) {
	dsn := ":memory:"
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
		dsn = filepath.Join(dir, FileName)
	}
	return openDSN(dsn)
}

// OpenExisting opens an index database that must already exist. It returns
// ErrNotFound when dir holds no database and ErrCorrupt when the file is
// not a readable index.
func OpenExisting(dir string) (*Store, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	s, err := openDSN(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return s, nil
}

func openDSN(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remove deletes the index database and its journal files from dir.
// A missing database is not an error.
func Remove(dir string) error {
	base := filepath.Join(dir, FileName)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ReplaceAll atomically swaps the stored index for meta and records.
// Records are stored in slice order.
func (s *Store) ReplaceAll(meta Meta, records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks"); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM index_meta"); err != nil {
		return fmt.Errorf("clearing index meta: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO index_meta (key, value) VALUES ('metric', ?), ('dimension', ?)`,
		meta.Metric, strconv.Itoa(meta.Dimension)); err != nil {
		return fmt.Errorf("writing index meta: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (seq, chunk_id, document_id, source, ordinal, start_rune, page, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.Exec(i, r.ChunkID, r.DocumentID, r.Source, r.Ordinal, r.Start, r.Page, r.Text,
			encodeFloat32s(r.Embedding), createdAt.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", r.ChunkID, err)
		}
	}
	return tx.Commit()
}

// LoadAll returns the index meta and every record ordered by Seq.
// Unreadable rows are reported as ErrCorrupt.
func (s *Store) LoadAll() (Meta, []Record, error) {
	var meta Meta
	rows, err := s.db.Query("SELECT key, value FROM index_meta")
	if err != nil {
		return Meta{}, nil, fmt.Errorf("%w: reading index meta: %v", ErrCorrupt, err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return Meta{}, nil, fmt.Errorf("%w: scanning index meta: %v", ErrCorrupt, err)
		}
		switch k {
		case "metric":
			meta.Metric = v
		case "dimension":
			if meta.Dimension, err = strconv.Atoi(v); err != nil {
				rows.Close()
				return Meta{}, nil, fmt.Errorf("%w: dimension %q", ErrCorrupt, v)
			}
		}
	}
	rows.Close()

	rows, err = s.db.Query(`
		SELECT seq, chunk_id, document_id, source, ordinal, start_rune, page, text_chunk, embedding, created_at
		FROM chunks ORDER BY seq ASC`)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("%w: querying chunks: %v", ErrCorrupt, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		if err := rows.Scan(&r.Seq, &r.ChunkID, &r.DocumentID, &r.Source, &r.Ordinal, &r.Start, &r.Page,
			&r.Text, &blob, &createdAt); err != nil {
			return Meta{}, nil, fmt.Errorf("%w: scanning chunk: %v", ErrCorrupt, err)
		}
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return Meta{}, nil, fmt.Errorf("decoding embedding for %s: %w", r.ChunkID, err)
		}
		if meta.Dimension != 0 && len(r.Embedding) != meta.Dimension {
			return Meta{}, nil, fmt.Errorf("%w: chunk %s has %d dimensions, index has %d",
				ErrCorrupt, r.ChunkID, len(r.Embedding), meta.Dimension)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return Meta{}, nil, fmt.Errorf("%w: parsing created_at for %s: %v", ErrCorrupt, r.ChunkID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return Meta{}, nil, fmt.Errorf("%w: iterating chunks: %v", ErrCorrupt, err)
	}
	return meta, records, nil
}

// Count returns the number of stored chunks.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}
