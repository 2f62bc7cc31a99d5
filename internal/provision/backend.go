package provision

import "context"

// SchemaExecutor runs one raw SQL statement. Only the success of the call is
// observed; result rows are ignored.
type SchemaExecutor interface {
	ExecStatement(ctx context.Context, statement string) error
}

// AccountDirectory reads and creates accounts through the auth admin API.
type AccountDirectory interface {
	FindAccountByEmail(ctx context.Context, email string) (Account, bool, error)
	CreateAccount(ctx context.Context, spec AccountSpec) (Account, error)
}

// RoleCatalog looks up role descriptors. All matching rows are returned;
// uniqueness of Code is not assumed.
type RoleCatalog interface {
	FindRolesByCode(ctx context.Context, code string) ([]RoleDescriptor, error)
}

// AssignmentStore reads and inserts account-role assignments.
type AssignmentStore interface {
	FindAssignmentByAccount(ctx context.Context, accountID string) (Assignment, bool, error)
	InsertAssignment(ctx context.Context, accountID, roleID string) (Assignment, error)
}

// Backend is everything the orchestrator needs from the external service.
type Backend interface {
	SchemaExecutor
	AccountDirectory
	RoleCatalog
	AssignmentStore
}

type composite struct {
	SchemaExecutor
	AccountDirectory
	RoleCatalog
	AssignmentStore
}

// Compose assembles a Backend from separate implementations, e.g. a direct
// Postgres store for tables and the HTTP admin API for accounts.
func Compose(exec SchemaExecutor, accounts AccountDirectory, roles RoleCatalog, assignments AssignmentStore) Backend {
	return composite{
		SchemaExecutor:   exec,
		AccountDirectory: accounts,
		RoleCatalog:      roles,
		AssignmentStore:  assignments,
	}
}
