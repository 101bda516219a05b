package database

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Migration is one NNN_name.sql schema file
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of schema_migrations
type AppliedMigration struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Migrator applies schema files in version order and refuses to run when a
// file that was already applied has changed since.
type Migrator struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(db *DB, logger *zap.Logger) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger,
	}
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// Applied lists the migrations recorded in the database
func (m *Migrator) Applied() ([]AppliedMigration, error) {
	if err := m.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := m.db.Query("SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// RunMigrations executes all pending migrations from a directory on disk
func (m *Migrator) RunMigrations(migrationsDir string) error {
	return m.RunMigrationsFS(os.DirFS(migrationsDir), ".")
}

// RunMigrationsFS executes all pending migrations found under dir in fsys.
func (m *Migrator) RunMigrationsFS(fsys fs.FS, dir string) error {
	migrations, err := LoadMigrations(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.Applied()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	recorded := make(map[int]AppliedMigration, len(applied))
	for _, a := range applied {
		recorded[a.Version] = a
	}

	pending := 0
	for _, mig := range migrations {
		if prev, ok := recorded[mig.Version]; ok {
			if prev.Checksum != mig.Checksum {
				return fmt.Errorf("migration %d (%s) changed after it was applied", mig.Version, mig.Name)
			}
			continue
		}

		m.logger.Info("Applying migration",
			zap.Int("version", mig.Version),
			zap.String("name", mig.Name))
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", mig.Version, err)
		}
		pending++
	}

	m.logger.Info("Database schema up to date",
		zap.Int("applied_now", pending),
		zap.Int("total", len(migrations)))
	return nil
}

// LoadMigrations reads every NNN_name.sql file under dir, sorted by version
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	var migrations []Migration
	seen := make(map[int]string)

	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".sql") {
			return nil
		}

		filename := path.Base(p)
		var version int
		if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil || version <= 0 {
			return fmt.Errorf("invalid migration filename %s", filename)
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, filename)
		}
		seen[version] = filename

		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", p, err)
		}
		sum := sha256.Sum256(content)

		name := strings.TrimSuffix(filename, ".sql")
		if _, rest, ok := strings.Cut(name, "_"); ok {
			name = rest
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) apply(mig Migration) error {
	return m.db.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(mig.SQL); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)",
			mig.Version, mig.Name, mig.Checksum,
		); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}
