package data

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Beginner is satisfied by *pgx.Conn and *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ApplySchema executes the embedded schema files in name order inside a
// single transaction. Every statement is idempotent.
func ApplySchema(ctx context.Context, db Beginner) error {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return fmt.Errorf("reading schema directory: %w", err)
	}

	fileNames := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			fileNames = append(fileNames, e.Name())
		}
	}
	sort.Strings(fileNames)

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, fileName := range fileNames {
		content, err := schemaFS.ReadFile("sql/" + fileName)
		if err != nil {
			return fmt.Errorf("reading schema file %s: %w", fileName, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("executing schema file %s: %w", fileName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}
