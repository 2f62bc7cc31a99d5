// Package provision brings a hosted backend project to a known state: an
// administrator account that holds a role descriptor. Every stage after the
// optional schema reset checks before it writes, so a run can be repeated.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"portalsetup.org/internal/audit"
	"portalsetup.org/internal/obs"
)

// Orchestrator runs the bootstrap pipeline against a Backend.
type Orchestrator struct {
	backend  Backend
	plan     Plan
	narrator Narrator
	runID    string
	now      func() time.Time
}

// Option configures Orchestrator.
type Option func(*Orchestrator)

// WithNarrator sets where progress lines go. The default discards them.
func WithNarrator(n Narrator) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.narrator = n
		}
	}
}

// WithRunID tags audit events with id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithClock overrides the time source used for stage durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs an Orchestrator. The plan is checked by Run, not here, so
// that configuration problems are reported the same way as any other abort.
func New(backend Backend, plan Plan, opts ...Option) (*Orchestrator, error) {
	if backend == nil {
		return nil, errors.New("provision: backend is required")
	}
	plan.normalize()
	o := &Orchestrator{
		backend:  backend,
		plan:     plan,
		narrator: NewConsole(io.Discard),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type step struct {
	stage Stage
	next  State
	run   func(context.Context, *Report) error
}

func (o *Orchestrator) steps() []step {
	var steps []step
	if o.plan.ResetSchema {
		steps = append(steps, step{StageSchemaReset, StateSchemaReset, o.resetSchema})
	}
	steps = append(steps,
		step{StageEnsureAccount, StateAccountEnsured, o.ensureAccount},
		step{StageResolveRole, StateRoleResolved, o.resolveRole},
		step{StageEnsureAssignment, StateAssignmentEnsured, o.ensureAssignment},
	)
	if o.plan.Verify {
		steps = append(steps, step{StageVerify, StateAssignmentEnsured, o.verify})
	}
	return steps
}

// Run executes the pipeline and stops at the first failure. The returned
// Report is filled in either way; on failure its State is StateAborted and
// the error is a *ConfigError, *ExternalCallError or *PartialProgressError.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	ctx = audit.WithRunID(ctx, o.runID)
	rep := Report{
		RunID:     o.runID,
		State:     StateUnconfigured,
		Durations: make(map[Stage]time.Duration),
	}

	if err := o.plan.validate(); err != nil {
		return o.abort(ctx, &rep, StagePreflight, err)
	}

	steps := o.steps()
	for i, st := range steps {
		o.narrator.Stage(i+1, len(steps), st.stage)
		_ = audit.LogEvent(ctx, "stage.started", map[string]any{"stage": string(st.stage)})

		start := o.now()
		err := st.run(ctx, &rep)
		took := o.now().Sub(start)
		rep.Durations[st.stage] = took
		obs.ObserveStage(string(st.stage), err == nil, took)
		if err != nil {
			return o.abort(ctx, &rep, st.stage, err)
		}
		rep.State = st.next
		_ = audit.LogEvent(ctx, "stage.finished", map[string]any{
			"stage":       string(st.stage),
			"state":       rep.State.String(),
			"duration_ms": took.Milliseconds(),
		})
	}

	rep.State = StateDone
	_ = audit.LogEvent(ctx, "run.finished", map[string]any{
		"account_id":          rep.AccountID,
		"role_id":             rep.RoleID,
		"account_created":     rep.AccountCreated,
		"assignment_inserted": rep.AssignmentInserted,
		"writes":              rep.Writes(),
	})
	return rep, nil
}

func (o *Orchestrator) abort(ctx context.Context, rep *Report, stage Stage, err error) (Report, error) {
	rep.State = StateAborted
	rep.FailedStage = stage
	rep.Cause = err.Error()
	o.narrator.Fail(stage, err)
	_ = audit.LogEvent(ctx, "stage.failed", map[string]any{
		"stage": string(stage),
		"error": err.Error(),
	})
	return *rep, err
}

func (o *Orchestrator) resetSchema(ctx context.Context, rep *Report) error {
	statements := ResetStatements(o.plan.Tables)
	for i, stmt := range statements {
		o.narrator.Info("%d. %s", i+1, preview(stmt))
		if err := o.backend.ExecStatement(ctx, stmt); err != nil {
			return &PartialProgressError{
				Stage:    StageSchemaReset,
				Executed: i,
				Total:    len(statements),
				Err:      AsExternal("exec-statement", err),
			}
		}
		rep.StatementsExecuted++
		_ = audit.LogEvent(ctx, "schema.statement_executed", map[string]any{"index": i + 1})
	}
	o.narrator.OK("%s rebuilt (%d statements)", o.plan.Tables.Assignments, len(statements))
	return nil
}

func (o *Orchestrator) ensureAccount(ctx context.Context, rep *Report) error {
	spec := o.plan.Account
	acct, found, err := o.backend.FindAccountByEmail(ctx, spec.Email)
	if err != nil {
		return AsExternal("find-account", err)
	}
	if found {
		if err := checkID("find-account", acct.ID); err != nil {
			return err
		}
		rep.AccountID = acct.ID
		o.narrator.Info("account %s already exists: %s", spec.Email, acct.ID)
		return nil
	}

	if spec.Password == "" {
		return &ConfigError{
			Field:  "password",
			Reason: fmt.Sprintf("account %s does not exist and no password was given", spec.Email),
			Remedy: "set BOOTSTRAP_ADMIN_PASSWORD or pass -password-file",
		}
	}
	acct, err = o.backend.CreateAccount(ctx, spec)
	if err != nil {
		return AsExternal("create-account", err)
	}
	if err := checkID("create-account", acct.ID); err != nil {
		return err
	}
	rep.AccountID = acct.ID
	rep.AccountCreated = true
	o.narrator.OK("account created: %s", acct.ID)
	_ = audit.LogEvent(ctx, "account.created", map[string]any{
		"account_id": acct.ID,
		"email":      spec.Email,
	})
	return nil
}

func (o *Orchestrator) resolveRole(ctx context.Context, rep *Report) error {
	code := o.plan.RoleCode
	roles, err := o.backend.FindRolesByCode(ctx, code)
	if err != nil {
		return AsExternal("find-role", err)
	}
	if len(roles) == 0 {
		return &ConfigError{
			Field:  "role",
			Reason: fmt.Sprintf("role descriptor %s not found in %s", code, o.plan.Tables.Roles),
			Remedy: "apply the profile migrations and seeds before bootstrapping",
		}
	}
	if len(roles) > 1 {
		// Uniqueness of the code is not enforced anywhere we can see.
		o.narrator.Warn("%d role descriptors share code %s; using %s", len(roles), code, roles[0].ID)
		_ = audit.LogEvent(ctx, "role.ambiguous", map[string]any{"code": code, "matches": len(roles)})
	}
	if err := checkID("find-role", roles[0].ID); err != nil {
		return err
	}
	rep.RoleID = roles[0].ID
	o.narrator.OK("role descriptor %s: %s", code, rep.RoleID)
	return nil
}

func (o *Orchestrator) ensureAssignment(ctx context.Context, rep *Report) error {
	existing, found, err := o.backend.FindAssignmentByAccount(ctx, rep.AccountID)
	if err != nil {
		return AsExternal("find-assignment", err)
	}
	if found {
		rep.AssignmentID = existing.ID
		if existing.RoleID != rep.RoleID {
			o.narrator.Warn("account already holds role descriptor %s, not %s; leaving it unchanged", existing.RoleID, rep.RoleID)
		} else {
			o.narrator.Info("account already holds %s", o.plan.RoleCode)
		}
		return nil
	}

	asg, err := o.backend.InsertAssignment(ctx, rep.AccountID, rep.RoleID)
	if err != nil {
		return AsExternal("insert-assignment", err)
	}
	rep.AssignmentID = asg.ID
	rep.AssignmentInserted = true
	o.narrator.OK("%s assigned to %s", o.plan.RoleCode, o.plan.Account.Email)
	_ = audit.LogEvent(ctx, "assignment.inserted", map[string]any{
		"account_id":    rep.AccountID,
		"role_id":       rep.RoleID,
		"assignment_id": asg.ID,
	})
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, rep *Report) error {
	asg, found, err := o.backend.FindAssignmentByAccount(ctx, rep.AccountID)
	if err != nil {
		return AsExternal("verify-assignment", err)
	}
	if !found {
		return &ExternalCallError{
			Op:  "verify-assignment",
			Err: fmt.Errorf("%w: no assignment for account %s", ErrNotFound, rep.AccountID),
		}
	}
	if asg.RoleID != rep.RoleID {
		return &ExternalCallError{
			Op:  "verify-assignment",
			Err: fmt.Errorf("%w: account %s holds %s, want %s", ErrConflict, rep.AccountID, asg.RoleID, rep.RoleID),
		}
	}
	o.narrator.OK("assignment verified")
	return nil
}

func checkID(op, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ExternalCallError{
			Op:  op,
			Err: fmt.Errorf("%w: malformed identifier %q", ErrInvalidInput, id),
		}
	}
	return nil
}

func preview(stmt string) string {
	const limit = 60
	flat := make([]rune, 0, limit)
	space := false
	for _, r := range stmt {
		if r == '\n' || r == '\t' || r == ' ' {
			if space || len(flat) == 0 {
				continue
			}
			space = true
			r = ' '
		} else {
			space = false
		}
		flat = append(flat, r)
		if len(flat) == limit {
			return string(flat) + "..."
		}
	}
	return string(flat)
}
