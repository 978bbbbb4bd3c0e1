package migrations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	chstore "github.com/Erio-Harrison/defi-tools/internal/storage/clickhouse"
)

// ErrQuotedSemicolon is returned for a migration with a ';' inside a string
// literal, which the statement splitter cannot handle.
var ErrQuotedSemicolon = errors.New("semicolon inside string literal")

const chLedgerTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       String,
    applied_at DateTime DEFAULT now()
) ENGINE = MergeTree
ORDER BY name`

// RunClickhouseMigrations creates the database named in dsn if needed,
// applies the activity schema files not yet recorded there and returns a
// connection bound to that database.
func RunClickhouseMigrations(ctx context.Context, dsn string, log *zap.Logger) (*chstore.Conn, error) {
	db, err := chstore.DatabaseOf(dsn)
	if err != nil {
		return nil, err
	}
	if !identifier(db) {
		return nil, fmt.Errorf("clickhouse database %q is not a plain identifier", db)
	}
	if err := createDatabase(ctx, dsn, db); err != nil {
		return nil, err
	}

	conn, err := chstore.Open(ctx, dsn, nil)
	if err != nil {
		return nil, err
	}
	if err := applyClickhouse(ctx, conn, log); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func createDatabase(ctx context.Context, dsn, db string) error {
	serverDefault := ""
	admin, err := chstore.Open(ctx, dsn, &serverDefault)
	if err != nil {
		return fmt.Errorf("connect clickhouse admin: %w", err)
	}
	defer admin.Close()
	if err := admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS `"+db+"`"); err != nil {
		return fmt.Errorf("create database %s: %w", db, err)
	}
	return nil
}

func applyClickhouse(ctx context.Context, conn *chstore.Conn, log *zap.Logger) error {
	all, err := load(clickhouseFS, "clickhouse")
	if err != nil {
		return err
	}
	if err := conn.Exec(ctx, chLedgerTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := chApplied(ctx, conn)
	if err != nil {
		return err
	}

	for _, m := range pending(all, applied) {
		stmts, err := splitStatements(m.sql)
		if err != nil {
			return fmt.Errorf("split migration %s: %w", m.name, err)
		}
		// one statement per Exec on the native protocol; no transactions, so
		// every file must be idempotent
		for _, stmt := range stmts {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.name, err)
			}
		}
		if err := conn.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		log.Info("migration applied",
			zap.String("database", "clickhouse"),
			zap.String("schema", conn.Database()),
			zap.String("file", m.name))
	}
	return nil
}

func chApplied(ctx context.Context, conn *chstore.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// identifier reports whether s can be used unescaped as a database name.
func identifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// splitStatements drops "--" comment lines and splits on ';'. Semicolons
// inside single-quoted literals are rejected rather than parsed.
func splitStatements(input string) ([]string, error) {
	quoted := false
	for i := 0; i < len(input); i++ {
		switch input[i] {
		case '\'':
			if quoted && i+1 < len(input) && input[i+1] == '\'' {
				i++
				continue
			}
			quoted = !quoted
		case ';':
			if quoted {
				return nil, ErrQuotedSemicolon
			}
		}
	}

	var b strings.Builder
	for _, line := range strings.Split(input, "\n") {
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, part := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}
