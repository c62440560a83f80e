package main

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"confio/internal/config"
	"confio/internal/db"
)

const migrationsDir = "migrations"

// Applies every pending migration under migrationsDir in lexical order. Each
// file runs in its own transaction together with its bookkeeping row, so a
// failed migration leaves the schema where the previous one ended.
func main() {
	cfg := config.Load()
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("migrate: connecting database: %v", err)
	}
	defer database.Close()

	if _, err := database.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (filename text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		log.Fatalf("migrate: ensuring schema_migrations: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		log.Fatalf("migrate: listing %s: %v", migrationsDir, err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		filename := filepath.Base(file)
		var exists bool
		if err := database.Get(&exists, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, filename); err != nil {
			log.Fatalf("migrate: reading state for %s: %v", filename, err)
		}
		if exists {
			continue
		}
		if err := applyFile(database, file, filename); err != nil {
			log.Fatalf("migrate: applying %s: %v", filename, err)
		}
		log.Printf("migrate: applied %s", filename)
		applied++
	}
	log.Printf("migrate: %d applied, %d total", applied, len(files))
}

func applyFile(database *sqlx.DB, path, filename string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Only the up section runs; everything after the down marker is for
	// manual rollback.
	up, _, _ := strings.Cut(string(content), "-- +migrate Down")

	tx, err := database.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(up) {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, filename); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements cuts a migration into statements on semicolons at line
// ends. Good enough for DDL; none of the migrations embed semicolons in
// strings.
func splitStatements(sqlText string) []string {
	var statements []string
	var current strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(sqlText))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		current.WriteString(line)
		current.WriteRune('\n')
		if strings.HasSuffix(strings.TrimRight(line, " \t"), ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}
	return statements
}
