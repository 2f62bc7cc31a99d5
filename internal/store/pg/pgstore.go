package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"portalsetup.org/internal/provision"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ provision.SchemaExecutor  = (*Store)(nil)
	_ provision.RoleCatalog     = (*Store)(nil)
	_ provision.AssignmentStore = (*Store)(nil)
)

// Store reaches the project database directly instead of through PostgREST.
// Accounts live in the auth schema and are still managed over HTTP.
type Store struct {
	db     *sql.DB
	tables provision.Tables
}

// Open connects with the pgx driver. A bootstrap run is sequential, so the
// pool is kept small.
func Open(dsn string, tables provision.Tables) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return New(db, tables), nil
}

// New wraps an existing connection.
func New(db *sql.DB, tables provision.Tables) *Store {
	if tables.Roles == "" {
		tables.Roles = provision.DefaultRolesTable
	}
	if tables.Assignments == "" {
		tables.Assignments = provision.DefaultAssignmentsTable
	}
	return &Store{db: db, tables: tables}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) ExecStatement(ctx context.Context, statement string) error {
	if _, err := s.db.ExecContext(ctx, statement); err != nil {
		return callError("exec-statement", err)
	}
	return nil
}

func (s *Store) FindRolesByCode(ctx context.Context, code string) ([]provision.RoleDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select id::text, code, coalesce(description, '')
		from %s
		where code = $1
		order by id
	`, ident(s.tables.Roles)), code)
	if err != nil {
		return nil, callError("find-role", err)
	}
	defer rows.Close()

	var out []provision.RoleDescriptor
	for rows.Next() {
		var r provision.RoleDescriptor
		if err := rows.Scan(&r.ID, &r.Code, &r.Description); err != nil {
			return nil, callError("find-role", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, callError("find-role", err)
	}
	return out, nil
}

func (s *Store) FindAssignmentByAccount(ctx context.Context, accountID string) (provision.Assignment, bool, error) {
	uid, err := uuid.Parse(accountID)
	if err != nil {
		return provision.Assignment{}, false, fmt.Errorf("%w: account id %q", provision.ErrInvalidInput, accountID)
	}
	var a provision.Assignment
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		select id::text, user_id::text, profile_id::text
		from %s
		where user_id = $1
	`, ident(s.tables.Assignments)), uid.String()).Scan(&a.ID, &a.AccountID, &a.RoleID)
	if errors.Is(err, sql.ErrNoRows) {
		return provision.Assignment{}, false, nil
	}
	if err != nil {
		return provision.Assignment{}, false, callError("find-assignment", err)
	}
	return a, true, nil
}

func (s *Store) InsertAssignment(ctx context.Context, accountID, roleID string) (provision.Assignment, error) {
	uid, err := uuid.Parse(accountID)
	if err != nil {
		return provision.Assignment{}, fmt.Errorf("%w: account id %q", provision.ErrInvalidInput, accountID)
	}
	rid, err := uuid.Parse(roleID)
	if err != nil {
		return provision.Assignment{}, fmt.Errorf("%w: role id %q", provision.ErrInvalidInput, roleID)
	}
	var a provision.Assignment
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		insert into %s (user_id, profile_id)
		values ($1, $2)
		returning id::text, user_id::text, profile_id::text
	`, ident(s.tables.Assignments)), uid.String(), rid.String()).Scan(&a.ID, &a.AccountID, &a.RoleID)
	if err != nil {
		return provision.Assignment{}, callError("insert-assignment", err)
	}
	return a, nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// callError maps driver errors onto the provision taxonomy. The server
// message is kept as the body so the operator sees what Postgres said.
func callError(op string, err error) error {
	ext := &provision.ExternalCallError{Op: op, Err: err}
	if pgErr, ok := maybePgError(err); ok {
		ext.Body = pgErr.Message
		switch pgErr.Code {
		case pgErrUniqueViolation:
			ext.Err = fmt.Errorf("%w: %s", provision.ErrConflict, pgErr.Message)
		case pgErrForeignKeyViolation:
			ext.Err = fmt.Errorf("%w: %s", provision.ErrNotFound, pgErr.Message)
		}
	}
	return ext
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
