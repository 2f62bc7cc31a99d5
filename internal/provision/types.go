package provision

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Account is an authentication identity owned by the backend service.
type Account struct {
	ID          string
	Email       string
	DisplayName string
	Confirmed   bool
}

// AccountSpec describes the account the bootstrap makes sure exists.
type AccountSpec struct {
	Email       string
	Password    string
	DisplayName string
}

// RoleDescriptor is a named permission bundle looked up by Code.
type RoleDescriptor struct {
	ID          string
	Code        string
	Description string
}

// Assignment links one account to one role descriptor.
type Assignment struct {
	ID        string
	AccountID string
	RoleID    string
}

// Tables names the backend tables holding role descriptors and assignments.
type Tables struct {
	Roles       string
	Assignments string
}

const (
	DefaultRolesTable       = "profiles"
	DefaultAssignmentsTable = "user_profiles"
	DefaultRoleCode         = "SUPER_ADMIN"
	DefaultCredentialVar    = "SUPABASE_SERVICE_KEY"
)

// DefaultTables returns the table names used by the portal schema.
func DefaultTables() Tables {
	return Tables{Roles: DefaultRolesTable, Assignments: DefaultAssignmentsTable}
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func (t Tables) validate() error {
	for _, tc := range []struct{ field, name string }{
		{"role table", t.Roles},
		{"assignment table", t.Assignments},
	} {
		if !identPattern.MatchString(tc.name) {
			return &ConfigError{
				Field:  tc.field,
				Reason: fmt.Sprintf("%q is not a plain lower-case identifier", tc.name),
				Remedy: "use letters, digits and underscores only",
			}
		}
	}
	return nil
}

// Plan is the desired end state of one bootstrap run.
type Plan struct {
	// ServiceKey is the privileged credential the backend was built with.
	// Run refuses to start without it.
	ServiceKey string
	// CredentialVar names the setting that supplies ServiceKey, for messages.
	CredentialVar string

	Account     AccountSpec
	RoleCode    string
	Tables      Tables
	ResetSchema bool
	Verify      bool
}

func (p *Plan) normalize() {
	p.ServiceKey = strings.TrimSpace(p.ServiceKey)
	p.Account.Email = strings.TrimSpace(strings.ToLower(p.Account.Email))
	p.Account.DisplayName = strings.TrimSpace(p.Account.DisplayName)
	p.RoleCode = strings.TrimSpace(p.RoleCode)
	if p.RoleCode == "" {
		p.RoleCode = DefaultRoleCode
	}
	if p.CredentialVar == "" {
		p.CredentialVar = DefaultCredentialVar
	}
	if p.Tables.Roles == "" {
		p.Tables.Roles = DefaultRolesTable
	}
	if p.Tables.Assignments == "" {
		p.Tables.Assignments = DefaultAssignmentsTable
	}
}

func (p Plan) validate() error {
	if p.ServiceKey == "" {
		return &ConfigError{
			Field:  p.CredentialVar,
			Reason: "service credential is not set",
			Remedy: fmt.Sprintf("add %s=<key> to .env.local or the environment; "+
				"get it at supabase.com: Project > Settings > API > service_role key", p.CredentialVar),
		}
	}
	if p.Account.Email == "" || !strings.Contains(p.Account.Email, "@") {
		return &ConfigError{
			Field:  "email",
			Reason: fmt.Sprintf("%q is not a valid email", p.Account.Email),
			Remedy: "set BOOTSTRAP_ADMIN_EMAIL or pass -email",
		}
	}
	return p.Tables.validate()
}

// State is a position in the bootstrap pipeline.
type State int

const (
	StateUnconfigured State = iota
	StateSchemaReset
	StateAccountEnsured
	StateRoleResolved
	StateAssignmentEnsured
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateSchemaReset:
		return "schema-reset"
	case StateAccountEnsured:
		return "account-ensured"
	case StateRoleResolved:
		return "role-resolved"
	case StateAssignmentEnsured:
		return "assignment-ensured"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stage names one step of the pipeline.
type Stage string

const (
	StagePreflight        Stage = "preflight"
	StageSchemaReset      Stage = "schema-reset"
	StageEnsureAccount    Stage = "ensure-account"
	StageResolveRole      Stage = "resolve-role"
	StageEnsureAssignment Stage = "ensure-assignment"
	StageVerify           Stage = "verify"
)

// Report summarizes a run. On failure State is StateAborted and FailedStage
// and Cause describe the first error.
type Report struct {
	RunID       string
	State       State
	FailedStage Stage
	Cause       string

	AccountID          string
	AccountCreated     bool
	RoleID             string
	AssignmentID       string
	AssignmentInserted bool
	StatementsExecuted int

	Durations map[Stage]time.Duration
}

// Writes counts the write calls the run performed.
func (r Report) Writes() int {
	n := r.StatementsExecuted
	if r.AccountCreated {
		n++
	}
	if r.AssignmentInserted {
		n++
	}
	return n
}
