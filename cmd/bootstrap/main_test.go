package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"portalsetup.org/internal/provision"
)

const (
	testUserID = "6f1f0d7a-3a43-4d8e-9a57-0b8f9a3f9c11"
	testRoleID = "0e3c8c2d-5d7a-4b55-8f21-1f9a0bd3c0a2"
)

func TestExitCode(t *testing.T) {
	external := &provision.ExternalCallError{Op: "create-account", Status: 422, Body: "weak password"}
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: exitOK},
		{name: "config", err: &provision.ConfigError{Field: "SUPABASE_SERVICE_KEY", Reason: "missing"}, want: exitConfig},
		{name: "external", err: external, want: exitExternal},
		{name: "wrapped external", err: fmt.Errorf("stage: %w", external), want: exitExternal},
		{name: "partial", err: &provision.PartialProgressError{Stage: provision.StageSchemaReset, Executed: 2, Total: 7, Err: external}, want: exitPartial},
		{name: "other", err: errors.New("boom"), want: exitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-backend", "sdk", "-verify", "-email", "a@b.c", "-rate", "2.5"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.backend != "sdk" || !opts.verify || opts.email != "a@b.c" || opts.rate != 2.5 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.resetSchema {
		t.Fatal("schema reset must be opt-in")
	}

	for _, args := range [][]string{
		{"-backend", "graphql"},
		{"-no-such-flag"},
		{"extra"},
		{"-service-key-file", "-", "-password-file", "-"},
	} {
		if _, err := parseFlags(args); !errors.Is(err, provision.ErrConfig) {
			t.Fatalf("parseFlags(%v): expected config error, got %v", args, err)
		}
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-version"}, nil, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), version) {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func setupEnv(t *testing.T, url string) string {
	t.Helper()
	for _, name := range []string{
		"VITE_SUPABASE_URL", "SUPABASE_ANON_KEY", "VITE_SUPABASE_PUBLISHABLE_KEY", "VITE_SUPABASE_ANON_KEY",
		"SUPABASE_SERVICE_KEY", "SUPABASE_SERVICE_ROLE_KEY", "BOOTSTRAP_ADMIN_NAME",
		"BOOTSTRAP_ROLE_CODE", "BOOTSTRAP_ROLE_TABLE", "BOOTSTRAP_ASSIGNMENT_TABLE",
		"BOOTSTRAP_PG_DSN", "BOOTSTRAP_CALL_TIMEOUT",
	} {
		t.Setenv(name, "")
	}
	t.Setenv("SUPABASE_URL", url)
	t.Setenv("BOOTSTRAP_ADMIN_EMAIL", "admin@example.org")
	t.Setenv("BOOTSTRAP_ADMIN_PASSWORD", "correct horse battery staple")

	envFile := filepath.Join(t.TempDir(), "empty.env")
	if err := os.WriteFile(envFile, nil, 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return envFile
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRunWithoutServiceKeyMakesNoCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	envFile := setupEnv(t, srv.URL)

	var out bytes.Buffer
	err := run([]string{"-env-file", envFile}, nil, &out)
	if got := exitCode(err); got != exitConfig {
		t.Fatalf("expected exit %d, got %d (%v)", exitConfig, got, err)
	}
	if !strings.Contains(err.Error(), "SUPABASE_SERVICE_KEY") {
		t.Fatalf("error should name the variable: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no calls, got %d", calls.Load())
	}
	if !strings.Contains(out.String(), "service_role key") {
		t.Fatalf("expected remedy in output, got %q", out.String())
	}
}

func TestRunEndToEnd(t *testing.T) {
	var assigned atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "sb_secret_test" {
			t.Errorf("unexpected apikey on %s", r.URL.Path)
		}
		switch {
		case r.URL.Path == "/auth/v1/admin/users" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"users": []any{}})
		case r.URL.Path == "/auth/v1/admin/users":
			writeJSON(w, http.StatusOK, map[string]any{"id": testUserID, "email": "admin@example.org"})
		case r.URL.Path == "/rest/v1/profiles":
			writeJSON(w, http.StatusOK, []map[string]any{{"id": testRoleID, "code": "SUPER_ADMIN"}})
		case r.URL.Path == "/rest/v1/user_profiles" && r.Method == http.MethodGet:
			if assigned.Load() {
				writeJSON(w, http.StatusOK, []map[string]any{{"id": "a-1", "user_id": testUserID, "profile_id": testRoleID}})
				return
			}
			writeJSON(w, http.StatusOK, []any{})
		case r.URL.Path == "/rest/v1/user_profiles":
			assigned.Store(true)
			writeJSON(w, http.StatusCreated, []map[string]any{{"id": "a-1", "user_id": testUserID, "profile_id": testRoleID}})
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	envFile := setupEnv(t, srv.URL)
	t.Setenv("SUPABASE_SERVICE_KEY", "sb_secret_test")
	metrics := filepath.Join(t.TempDir(), "bootstrap.prom")

	var out bytes.Buffer
	if err := run([]string{"-env-file", envFile, "-verify", "-metrics-file", metrics}, nil, &out); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "bootstrap complete") || !strings.Contains(out.String(), testUserID) {
		t.Fatalf("unexpected summary: %q", out.String())
	}
	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !bytes.Contains(data, []byte("bootstrap_backend_requests_total")) {
		t.Fatalf("metrics file is missing request counters:\n%s", data)
	}
}

func TestRunRejectsAnonKeyAsServiceKey(t *testing.T) {
	envFile := setupEnv(t, "https://abc.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "sb_publishable_abc")

	err := run([]string{"-env-file", envFile}, nil, &bytes.Buffer{})
	if got := exitCode(err); got != exitConfig {
		t.Fatalf("expected exit %d, got %d (%v)", exitConfig, got, err)
	}
}

func TestRunPostgresRequiresDSN(t *testing.T) {
	envFile := setupEnv(t, "https://abc.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "sb_secret_test")

	err := run([]string{"-env-file", envFile, "-backend", "postgres"}, nil, &bytes.Buffer{})
	var cfgErr *provision.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "BOOTSTRAP_PG_DSN" {
		t.Fatalf("expected BOOTSTRAP_PG_DSN config error, got %v", err)
	}
}
