package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID is the pg_advisory_lock key held while migrating, so
// replicas started with migrations.auto do not race.
const migrationLockID int64 = 0x66776d6967 // "fwmig"

// Migrator runs SQL migration files in version order. Files are named
// {version}_{name}.up.sql / .down.sql. The checksum of every applied file
// is recorded; an applied file that later changes stops Up.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	log  zerolog.Logger
}

// NewMigrator reads migrations from a directory on disk.
func NewMigrator(db *sql.DB, migrationsDir string, log zerolog.Logger) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir), log)
}

// NewMigratorFS reads migrations from fsys, e.g. an embed.FS.
func NewMigratorFS(db *sql.DB, fsys fs.FS, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, log: log.With().Str("component", "migrator").Logger()}
}

type MigrationStatus struct {
	Version  string
	File     string
	Applied  bool
	// Modified is set when the file no longer matches the applied checksum.
	Modified bool
}

// ErrMigrationModified is returned when an applied migration file changed.
var ErrMigrationModified = errors.New("applied migration was modified")

type appliedMigration struct {
	filename string
	checksum string
}

// Up applies all pending up-migrations in order, each in its own
// transaction.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		files, err := m.files(".up.sql")
		if err != nil {
			return err
		}

		count := 0
		for _, f := range files {
			content, sum, err := m.read(f)
			if err != nil {
				return err
			}
			version := extractVersion(f)
			if prev, ok := applied[version]; ok {
				if prev.checksum != "" && prev.checksum != sum {
					return fmt.Errorf("%w: %s", ErrMigrationModified, f)
				}
				continue
			}

			m.log.Info().Str("file", f).Msg("applying migration")
			if err := m.inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, content); err != nil {
					return fmt.Errorf("exec migration %s: %w", f, err)
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					version, f, sum,
				)
				if err != nil {
					return fmt.Errorf("record migration %s: %w", f, err)
				}
				return nil
			}); err != nil {
				return err
			}
			count++
		}
		m.log.Info().Int("applied", count).Int("total", len(files)).Msg("migrations up to date")
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.log.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		content, _, err := m.read(downFile)
		if err != nil {
			return err
		}
		if err := m.inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, content); err != nil {
				return fmt.Errorf("exec down migration %s: %w", downFile, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
				return fmt.Errorf("remove migration record %s: %w", version, err)
			}
			return nil
		}); err != nil {
			return err
		}
		m.log.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// Status lists every migration file with whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	applied, err := m.applied(ctx, conn)
	if err != nil {
		return nil, err
	}
	files, err := m.files(".up.sql")
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		_, sum, err := m.read(f)
		if err != nil {
			return nil, err
		}
		st := MigrationStatus{Version: extractVersion(f), File: f}
		if prev, ok := applied[st.Version]; ok {
			st.Applied = true
			st.Modified = prev.checksum != "" && prev.checksum != sum
		}
		out = append(out, st)
	}
	return out, nil
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.log.Warn().Err(err).Msg("release migration lock")
		}
	}()
	return fn(conn)
}

func (m *Migrator) inTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.filename, &a.checksum); err != nil {
			return nil, err
		}
		applied[v] = a
	}
	return applied, rows.Err()
}

func (m *Migrator) files(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (m *Migrator) read(name string) (string, string, error) {
	b, err := fs.ReadFile(m.fsys, name)
	if err != nil {
		return "", "", fmt.Errorf("read migration %s: %w", name, err)
	}
	sum := sha256.Sum256(b)
	return string(b), hex.EncodeToString(sum[:]), nil
}

// extractVersion returns the numeric prefix from a migration filename,
// "000001" for "000001_event_log.up.sql".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
