// Package migrate applies SQL files to the project database, either with
// bookkeeping over a direct connection or one-off through a backend executor.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"portalsetup.org/internal/audit"
	"portalsetup.org/internal/provision"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// StageApply names the stage reported by ApplyFile failures.
	StageApply provision.Stage = "apply-file"
)

var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager runs migration and seed files from disk over a direct connection
// and records what it ran.
type Manager struct {
	db              *sql.DB
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithClock replaces the time source used for applied_at.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(db *sql.DB, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending *.up.sql files in name order, each in its own
// transaction.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.applyPending(ctx, m.migrationsTable, m.migrationsDir, ".up.sql", "migration")
}

// Seed applies pending seed files. A seed that ran once is never rerun.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.applyPending(ctx, m.seedsTable, m.seedsDir, ".sql", "seed")
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return "", err
	}
	applied, err := m.history(ctx, m.migrationsTable)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", ErrNothingApplied
	}
	last := applied[len(applied)-1]
	downPath := filepath.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if _, err := os.Stat(downPath); err != nil {
		return "", fmt.Errorf("migrate: missing down migration for %s", last)
	}
	err = m.inTx(ctx, downPath, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, ident(m.migrationsTable)), last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("migrate: rollback %s: %w", last, err)
	}
	_ = audit.LogEvent(ctx, "migration.rolled_back", map[string]any{"name": last})
	return last, nil
}

// Status returns applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, m.migrationsTable)
}

func (m *Manager) applyPending(ctx context.Context, table, dir, suffix, kind string) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.history(ctx, table)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	files, err := collectSQL(dir, suffix)
	if err != nil {
		return nil, err
	}
	var ran []string
	for _, f := range files {
		if done[f.Base] || (kind == "seed" && strings.HasSuffix(f.Base, ".down.sql")) {
			continue
		}
		err := m.inTx(ctx, f.Path, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, ident(table)),
				f.Base, m.now().UTC())
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("migrate: apply %s %s: %w", kind, f.Base, err)
		}
		_ = audit.LogEvent(ctx, kind+".applied", map[string]any{"name": f.Base})
		ran = append(ran, f.Base)
	}
	return ran, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, ident(table))
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: ensure %s: %w", table, err)
		}
	}
	return nil
}

// inTx runs every statement of the file plus record in one transaction.
func (m *Manager) inTx(ctx context.Context, path string, record func(*sql.Tx) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range SplitStatements(string(data)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) history(ctx context.Context, table string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, ident(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// ApplyFile executes the statements of a SQL file one at a time through exec.
// There is no transaction and no bookkeeping: this is the path used against a
// project reachable only over HTTP. The first failure stops the run and is
// reported with the number of statements that already took effect.
func ApplyFile(ctx context.Context, exec provision.SchemaExecutor, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("migrate: read %s: %w", path, err)
	}
	stmts := SplitStatements(string(data))
	for i, stmt := range stmts {
		if err := exec.ExecStatement(ctx, stmt); err != nil {
			return i, &provision.PartialProgressError{
				Stage:    StageApply,
				Executed: i,
				Total:    len(stmts),
				Err:      provision.AsExternal("exec-statement", err),
			}
		}
	}
	_ = audit.LogEvent(ctx, "file.applied", map[string]any{
		"path":       filepath.Base(path),
		"statements": len(stmts),
	})
	return len(stmts), nil
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: d.Name(), Path: path})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// SplitStatements splits a SQL script on top-level semicolons. Quoted
// strings, quoted identifiers, dollar-quoted bodies and comments are kept
// intact; comment-only fragments are dropped.
func SplitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
		code    bool
	)
	flush := func() {
		if code {
			stmts = append(stmts, strings.TrimSpace(current.String()))
		}
		current.Reset()
		code = false
	}
	s := script
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '-' && strings.HasPrefix(s[i:], "--"):
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				end = len(s) - i
			}
			current.WriteString(s[i : i+end])
			i += end
		case c == '/' && strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				end = len(s) - i - 2
			} else {
				end += 2
			}
			current.WriteString(s[i : i+2+end])
			i += 2 + end
		case c == '\'' || c == '"':
			end := closing(s, i+1, c)
			current.WriteString(s[i:end])
			code = true
			i = end
		case c == '$':
			if tag, ok := dollarTag(s[i:]); ok {
				end := strings.Index(s[i+len(tag):], tag)
				if end < 0 {
					end = len(s) - i - len(tag)
				} else {
					end += len(tag)
				}
				current.WriteString(s[i : i+len(tag)+end])
				code = true
				i += len(tag) + end
				continue
			}
			current.WriteByte(c)
			code = true
			i++
		case c == ';':
			current.WriteByte(c)
			i++
			flush()
		default:
			current.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				code = true
			}
			i++
		}
	}
	flush()
	return stmts
}

// closing returns the index just past the quote that ends the literal
// starting at from. Doubled quotes are escapes.
func closing(s string, from int, q byte) int {
	for j := from; j < len(s); j++ {
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

// dollarTag reports the $tag$ opening s, if any.
func dollarTag(s string) (string, bool) {
	for j := 1; j < len(s); j++ {
		c := s[j]
		switch {
		case c == '$':
			return s[:j+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || j > 1 && c >= '0' && c <= '9':
		default:
			return "", false
		}
	}
	return "", false
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
