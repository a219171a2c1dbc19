// Package migrations contains the catalog's schema, applied in order
// against a pgx connection. The embed-and-load shape follows the same
// pattern quay-claircore's postgres migrations package uses, adapted to run
// directly against pgx.Tx rather than database/sql.Tx and github.com/
// remind101/migrate: that package targets database/sql specifically, and
// nothing else in this module uses database/sql, so the sequencing loop
// below is plain Go rather than an added dependency (see DESIGN.md).
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var sys embed.FS

// Migration is one forward-only schema step.
type Migration struct {
	ID   int
	Name string
	SQL  string
}

// All returns every embedded migration, ordered by the numeric prefix of
// its filename (0001_foo.sql, 0002_bar.sql, ...).
func All() []Migration {
	ents, err := fs.ReadDir(sys, ".")
	if err != nil {
		panic(fmt.Errorf("programmer error: unable to read embedded migrations: %w", err))
	}

	var names []string
	for _, e := range ents {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	ms := make([]Migration, 0, len(names))
	for i, name := range names {
		b, err := sys.ReadFile(name)
		if err != nil {
			panic(fmt.Errorf("programmer error: unable to read embedded migration %q: %w", name, err))
		}
		ms = append(ms, Migration{
			ID:   i + 1,
			Name: strings.TrimSuffix(name, ".sql"),
			SQL:  string(b),
		})
	}
	return ms
}

const migrationTable = `catalog_migrations`

// Run applies every migration in All not already recorded in
// catalog_migrations, each inside its own transaction. It is safe to call
// at every process start: already-applied migrations are skipped.
func Run(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
		id   integer PRIMARY KEY,
		name text NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migration table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := pool.Query(ctx, `SELECT id FROM `+migrationTable)
	if err != nil {
		return fmt.Errorf("reading migration state: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning migration state: %w", err)
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading migration state: %w", err)
	}

	for _, m := range All() {
		if applied[m.ID] {
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning migration %d (%s): %w", m.ID, m.Name, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("applying migration %d (%s): %w", m.ID, m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO `+migrationTable+` (id, name) VALUES ($1, $2)`, m.ID, m.Name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("recording migration %d (%s): %w", m.ID, m.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %d (%s): %w", m.ID, m.Name, err)
		}
	}
	return nil
}
