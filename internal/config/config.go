// Package config assembles bootstrap settings from the environment and
// optional dotenv files. Nothing here carries a default credential.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"portalsetup.org/internal/auth"
	"portalsetup.org/internal/provision"
)

const DefaultDisplayName = "Super Admin"

// DefaultEnvFiles are loaded, when present, before the environment is read.
var DefaultEnvFiles = []string{".env.local", ".env"}

// Config holds one bootstrap run's settings.
type Config struct {
	URL     string
	AnonKey string

	// ServiceKey is the privileged key. ServiceKeyVar records which variable
	// supplied it, or the variable the operator is expected to set.
	ServiceKey    string
	ServiceKeyVar string

	Admin    provision.AccountSpec
	RoleCode string
	Tables   provision.Tables

	// PGDSN enables the direct Postgres backend.
	PGDSN       string
	CallTimeout time.Duration
}

// LoadEnv reads dotenv files into the process environment. Missing files
// are skipped and variables already set win over file values. It returns
// the files that were read.
func LoadEnv(files ...string) ([]string, error) {
	var loaded []string
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return loaded, fmt.Errorf("config: load %s: %w", f, err)
		}
		loaded = append(loaded, f)
	}
	return loaded, nil
}

// FromEnv reads settings from the environment. The first name of each
// lookup is the canonical one; the others are accepted for projects
// scaffolded with a frontend toolchain.
func FromEnv() Config {
	cfg := Config{
		URL:      lookup("SUPABASE_URL", "VITE_SUPABASE_URL"),
		AnonKey:  lookup("SUPABASE_ANON_KEY", "VITE_SUPABASE_PUBLISHABLE_KEY", "VITE_SUPABASE_ANON_KEY"),
		RoleCode: lookup("BOOTSTRAP_ROLE_CODE"),
		Tables: provision.Tables{
			Roles:       lookup("BOOTSTRAP_ROLE_TABLE"),
			Assignments: lookup("BOOTSTRAP_ASSIGNMENT_TABLE"),
		},
		PGDSN: lookup("BOOTSTRAP_PG_DSN"),
		Admin: provision.AccountSpec{
			Email:       lookup("BOOTSTRAP_ADMIN_EMAIL"),
			Password:    os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
			DisplayName: lookup("BOOTSTRAP_ADMIN_NAME"),
		},
	}
	cfg.ServiceKeyVar = provision.DefaultCredentialVar
	for _, name := range []string{provision.DefaultCredentialVar, "SUPABASE_SERVICE_ROLE_KEY"} {
		if v := lookup(name); v != "" {
			cfg.ServiceKey, cfg.ServiceKeyVar = v, name
			break
		}
	}
	if v := lookup("BOOTSTRAP_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CallTimeout = d
		}
	}
	return cfg
}

func lookup(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

// Validate reports the first unusable setting as a *provision.ConfigError.
// An absent service key is left to the orchestrator, which reports it
// before making any call; a key that is present but not privileged is
// rejected here.
func (c *Config) Validate(now time.Time) error {
	if c.Admin.DisplayName == "" {
		c.Admin.DisplayName = DefaultDisplayName
	}
	switch {
	case c.URL == "":
		return &provision.ConfigError{
			Field:  "SUPABASE_URL",
			Reason: "project URL is not set",
			Remedy: "set SUPABASE_URL to https://<ref>.supabase.co",
		}
	case !absoluteURL(c.URL):
		return &provision.ConfigError{
			Field:  "SUPABASE_URL",
			Reason: fmt.Sprintf("%q is not an absolute http(s) URL", c.URL),
		}
	case c.Admin.Email == "":
		return &provision.ConfigError{
			Field:  "BOOTSTRAP_ADMIN_EMAIL",
			Reason: "admin email is not set",
			Remedy: "set BOOTSTRAP_ADMIN_EMAIL or pass -email",
		}
	case c.CallTimeout < 0:
		return &provision.ConfigError{Field: "call timeout", Reason: "must not be negative"}
	}
	if c.ServiceKey == "" {
		return nil
	}
	if _, err := auth.RequireService(c.ServiceKey, now); err != nil {
		return &provision.ConfigError{
			Field:  c.ServiceKeyVar,
			Reason: err.Error(),
			Remedy: "use the service_role key from Project > Settings > API, not the anon or publishable key",
		}
	}
	return nil
}

// Plan converts the settings into the orchestrator's desired state.
func (c Config) Plan(resetSchema, verify bool) provision.Plan {
	return provision.Plan{
		ServiceKey:    c.ServiceKey,
		CredentialVar: c.ServiceKeyVar,
		Account:       c.Admin,
		RoleCode:      c.RoleCode,
		Tables:        c.Tables,
		ResetSchema:   resetSchema,
		Verify:        verify,
	}
}

func absoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ReadSecret reads a secret from path, or from stdin when path is "-".
// Only the first line is used.
func ReadSecret(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(io.LimitReader(stdin, 64<<10))
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("config: read secret: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("config: secret from %s is empty", path)
	}
	return secret, nil
}
