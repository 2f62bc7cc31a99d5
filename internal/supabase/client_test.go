package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"portalsetup.org/internal/provision"
)

type recorded struct {
	method string
	path   string
	query  string
	apikey string
	auth   string
	prefer string
	body   map[string]any
}

type fakeProject struct {
	mu    sync.Mutex
	calls []recorded
	route func(w http.ResponseWriter, r *http.Request, rec recorded)
}

func (f *fakeProject) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recorded{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.RawQuery,
		apikey: r.Header.Get("apikey"),
		auth:   r.Header.Get("Authorization"),
		prefer: r.Header.Get("Prefer"),
	}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, rec)
	f.mu.Unlock()
	f.route(w, r, rec)
}

func newFake(t *testing.T, route func(http.ResponseWriter, *http.Request, recorded), opts ...Option) (*Client, *fakeProject) {
	t.Helper()
	fake := &fakeProject{route: route}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "service-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fake
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New("localhost:54321", "k"); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

func TestFindAccountByEmailPages(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, rec recorded) {
		switch r.URL.Query().Get("page") {
		case "1":
			writeJSON(w, http.StatusOK, map[string]any{"users": []map[string]any{
				{"id": "u-1", "email": "one@example.org"},
				{"id": "u-2", "email": "two@example.org"},
			}})
		case "2":
			writeJSON(w, http.StatusOK, map[string]any{"users": []map[string]any{
				{"id": "u-3", "email": "Admin@Example.org", "email_confirmed_at": "2026-01-02T03:04:05Z",
					"user_metadata": map[string]any{"full_name": "Portal Admin"}},
			}})
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
			w.WriteHeader(http.StatusInternalServerError)
		}
	}, WithPageSize(2))

	acct, found, err := c.FindAccountByEmail(context.Background(), "admin@example.org")
	if err != nil {
		t.Fatalf("FindAccountByEmail: %v", err)
	}
	if !found || acct.ID != "u-3" || !acct.Confirmed || acct.DisplayName != "Portal Admin" {
		t.Fatalf("unexpected account: %+v found=%v", acct, found)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("expected two pages, got %d calls", len(fake.calls))
	}
	first := fake.calls[0]
	if first.path != "/auth/v1/admin/users" || first.apikey != "service-key" || first.auth != "Bearer service-key" {
		t.Fatalf("unexpected request: %+v", first)
	}
}

func TestFindAccountByEmailStopsOnShortPage(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		writeJSON(w, http.StatusOK, map[string]any{"users": []map[string]any{{"id": "u-1", "email": "x@example.org"}}})
	})
	_, found, err := c.FindAccountByEmail(context.Background(), "admin@example.org")
	if err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected a single page, got %d", len(fake.calls))
	}
}

func TestCreateAccount(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "u-new", "email": "admin@example.org", "email_confirmed_at": "2026-01-02T03:04:05Z"})
	})
	acct, err := c.CreateAccount(context.Background(), provision.AccountSpec{
		Email: "admin@example.org", Password: "pw", DisplayName: "Portal Admin",
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acct.ID != "u-new" || !acct.Confirmed {
		t.Fatalf("unexpected account: %+v", acct)
	}
	body := fake.calls[0].body
	if fake.calls[0].method != http.MethodPost || body["email_confirm"] != true || body["password"] != "pw" {
		t.Fatalf("unexpected body: %v", body)
	}
	meta, _ := body["user_metadata"].(map[string]any)
	if meta["full_name"] != "Portal Admin" {
		t.Fatalf("display name not sent: %v", body)
	}
}

func TestCreateAccountSurfacesBody(t *testing.T) {
	c, _ := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"msg": "A user with this email address has already been registered"})
	})
	_, err := c.CreateAccount(context.Background(), provision.AccountSpec{Email: "a@b.c", Password: "pw"})
	var ext *provision.ExternalCallError
	if !errors.As(err, &ext) {
		t.Fatalf("expected external call error, got %v", err)
	}
	if ext.Status != http.StatusUnprocessableEntity || !strings.Contains(ext.Body, "already been registered") {
		t.Fatalf("unexpected error: %+v", ext)
	}
}

func TestFindRolesUsesPublicKey(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "r-1", "code": "SUPER_ADMIN", "description": "all"}})
	}, WithPublicKey("anon-key"))

	roles, err := c.FindRolesByCode(context.Background(), "SUPER_ADMIN")
	if err != nil {
		t.Fatalf("FindRolesByCode: %v", err)
	}
	if len(roles) != 1 || roles[0].ID != "r-1" {
		t.Fatalf("unexpected roles: %+v", roles)
	}
	rec := fake.calls[0]
	if rec.path != "/rest/v1/profiles" || rec.apikey != "anon-key" {
		t.Fatalf("unexpected request: %+v", rec)
	}
	if !strings.Contains(rec.query, "code=eq.SUPER_ADMIN") {
		t.Fatalf("filter missing: %s", rec.query)
	}
}

func TestFindRolesEmpty(t *testing.T) {
	c, _ := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		writeJSON(w, http.StatusOK, []map[string]any{})
	})
	roles, err := c.FindRolesByCode(context.Background(), "SUPER_ADMIN")
	if err != nil || len(roles) != 0 {
		t.Fatalf("expected no roles, got %v %v", roles, err)
	}
}

func TestFindAssignmentByAccount(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "a-1", "user_id": "u-1", "profile_id": "r-1"}})
	}, WithTables(provision.Tables{Assignments: "account_roles"}))

	asg, found, err := c.FindAssignmentByAccount(context.Background(), "u-1")
	if err != nil || !found {
		t.Fatalf("expected assignment, found=%v err=%v", found, err)
	}
	if asg.RoleID != "r-1" || asg.AccountID != "u-1" {
		t.Fatalf("unexpected assignment: %+v", asg)
	}
	if fake.calls[0].path != "/rest/v1/account_roles" || fake.calls[0].apikey != "service-key" {
		t.Fatalf("unexpected request: %+v", fake.calls[0])
	}
}

func TestInsertAssignment(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, rec recorded) {
		writeJSON(w, http.StatusCreated, []map[string]any{{"id": "a-9", "user_id": rec.body["user_id"], "profile_id": rec.body["profile_id"]}})
	})
	asg, err := c.InsertAssignment(context.Background(), "u-1", "r-1")
	if err != nil {
		t.Fatalf("InsertAssignment: %v", err)
	}
	if asg.ID != "a-9" || asg.AccountID != "u-1" || asg.RoleID != "r-1" {
		t.Fatalf("unexpected assignment: %+v", asg)
	}
	if fake.calls[0].prefer != "return=representation" {
		t.Fatalf("Prefer header missing: %+v", fake.calls[0])
	}
}

func TestInsertAssignmentConflict(t *testing.T) {
	c, _ := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		writeJSON(w, http.StatusConflict, map[string]any{"code": "23505", "message": "duplicate key value"})
	})
	_, err := c.InsertAssignment(context.Background(), "u-1", "r-1")
	if !errors.Is(err, provision.ErrConflict) || !errors.Is(err, provision.ErrExternalCall) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestExecStatementFallsBackOnce(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		if r.URL.Path == sqlPath {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "relation pg_queries does not exist"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.ExecStatement(context.Background(), "select 1;"); err != nil {
		t.Fatalf("ExecStatement: %v", err)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("expected primary and fallback call, got %d", len(fake.calls))
	}
	if fake.calls[0].body["query"] != "select 1;" || fake.calls[1].body["sql"] != "select 1;" {
		t.Fatalf("unexpected bodies: %v / %v", fake.calls[0].body, fake.calls[1].body)
	}
	if fake.calls[1].path != sqlFunctionPath {
		t.Fatalf("unexpected fallback path %s", fake.calls[1].path)
	}
}

func TestExecStatementFailsAfterFallback(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"syntax error"}`)
	})
	err := c.ExecStatement(context.Background(), "selec 1;")
	var ext *provision.ExternalCallError
	if !errors.As(err, &ext) || ext.Status != http.StatusBadRequest || !strings.Contains(ext.Body, "syntax error") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("expected exactly two attempts, got %d", len(fake.calls))
	}
}

func TestExecStatementNoFallbackOnSuccess(t *testing.T) {
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		writeJSON(w, http.StatusOK, []any{})
	})
	if err := c.ExecStatement(context.Background(), "select 1;"); err != nil {
		t.Fatalf("ExecStatement: %v", err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(fake.calls))
	}
}

func TestTransportErrorIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, "k")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _, err = c.FindAssignmentByAccount(context.Background(), "u-1")
	if !errors.Is(err, provision.ErrExternalCall) {
		t.Fatalf("expected external call error, got %v", err)
	}
}

func TestOrchestratorAgainstFakeProject(t *testing.T) {
	const (
		userID = "6f1f0d7a-3a43-4d8e-9a57-0b8f9a3f9c11"
		roleID = "0e3c8c2d-5d7a-4b55-8f21-1f9a0bd3c0a2"
	)
	var assigned bool
	c, fake := newFake(t, func(w http.ResponseWriter, r *http.Request, _ recorded) {
		switch {
		case r.URL.Path == "/auth/v1/admin/users" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"users": []any{}})
		case r.URL.Path == "/auth/v1/admin/users":
			writeJSON(w, http.StatusOK, map[string]any{"id": userID, "email": "admin@example.org"})
		case r.URL.Path == "/rest/v1/profiles":
			writeJSON(w, http.StatusOK, []map[string]any{{"id": roleID, "code": "SUPER_ADMIN"}})
		case r.URL.Path == "/rest/v1/user_profiles" && r.Method == http.MethodGet:
			if assigned {
				writeJSON(w, http.StatusOK, []map[string]any{{"id": "a-1", "user_id": userID, "profile_id": roleID}})
				return
			}
			writeJSON(w, http.StatusOK, []any{})
		case r.URL.Path == "/rest/v1/user_profiles":
			assigned = true
			writeJSON(w, http.StatusCreated, []map[string]any{{"id": "a-1", "user_id": userID, "profile_id": roleID}})
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	o, err := provision.New(c, provision.Plan{
		ServiceKey: "service-key",
		Account:    provision.AccountSpec{Email: "admin@example.org", Password: "pw"},
		Verify:     true,
	})
	if err != nil {
		t.Fatalf("provision.New: %v", err)
	}
	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != provision.StateDone || !rep.AccountCreated || !rep.AssignmentInserted {
		t.Fatalf("unexpected report: %+v", rep)
	}
	// lookup, create, role, assignment lookup, insert, verify
	if len(fake.calls) != 6 {
		t.Fatalf("expected 6 calls, got %d", len(fake.calls))
	}
}
