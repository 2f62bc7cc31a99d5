package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"portalsetup.org/internal/audit"
	"portalsetup.org/internal/config"
	"portalsetup.org/internal/ids"
	"portalsetup.org/internal/obs"
	"portalsetup.org/internal/provision"
	"portalsetup.org/internal/store/pg"
	"portalsetup.org/internal/supabase"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitConfig   = 2
	exitExternal = 3
	exitPartial  = 4
)

func main() {
	err := run(os.Args[1:], os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
	}
	os.Exit(exitCode(err))
}

type options struct {
	envFile         string
	backend         string
	serviceKeyFile  string
	email           string
	name            string
	passwordFile    string
	role            string
	roleTable       string
	assignmentTable string
	resetSchema     bool
	verify          bool
	timeout         time.Duration
	callTimeout     time.Duration
	rate            float64
	metricsFile     string
	version         bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.StringVar(&o.envFile, "env-file", "", "dotenv file to load (default .env.local then .env)")
	fs.StringVar(&o.backend, "backend", "rest", "backend implementation: rest, sdk or postgres")
	fs.StringVar(&o.serviceKeyFile, "service-key-file", "", "read the service key from a file, or - for stdin")
	fs.StringVar(&o.email, "email", "", "admin email (overrides BOOTSTRAP_ADMIN_EMAIL)")
	fs.StringVar(&o.name, "name", "", "admin display name (overrides BOOTSTRAP_ADMIN_NAME)")
	fs.StringVar(&o.passwordFile, "password-file", "", "read the admin password from a file, or - for stdin")
	fs.StringVar(&o.role, "role", "", "role descriptor code (default "+provision.DefaultRoleCode+")")
	fs.StringVar(&o.roleTable, "role-table", "", "role descriptor table (default "+provision.DefaultRolesTable+")")
	fs.StringVar(&o.assignmentTable, "assignment-table", "", "assignment table (default "+provision.DefaultAssignmentsTable+")")
	fs.BoolVar(&o.resetSchema, "reset-schema", false, "drop and recreate the assignment table first; deletes every assignment")
	fs.BoolVar(&o.verify, "verify", false, "read the assignment back after the run")
	fs.DurationVar(&o.timeout, "timeout", 2*time.Minute, "deadline for the whole run")
	fs.DurationVar(&o.callTimeout, "call-timeout", 0, "per-call timeout (default 30s)")
	fs.Float64Var(&o.rate, "rate", 0, "maximum backend calls per second; 0 disables pacing")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus metrics to this file at exit")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return o, err
		}
		return o, &provision.ConfigError{Field: "flags", Reason: err.Error()}
	}
	if fs.NArg() > 0 {
		return o, &provision.ConfigError{Field: "flags", Reason: "unexpected arguments: " + strings.Join(fs.Args(), " ")}
	}
	switch o.backend {
	case "rest", "sdk", "postgres":
	default:
		return o, &provision.ConfigError{Field: "backend", Reason: fmt.Sprintf("unknown backend %q", o.backend), Remedy: "use rest, sdk or postgres"}
	}
	if o.serviceKeyFile == "-" && o.passwordFile == "-" {
		return o, &provision.ConfigError{Field: "password-file", Reason: "stdin can supply only one secret"}
	}
	return o, nil
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.version {
		fmt.Fprintf(stdout, "bootstrap %s (%s)\n", version, commit)
		return nil
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	if opts.metricsFile != "" {
		defer func() {
			if err := obs.WriteTextfile(opts.metricsFile); err != nil {
				obs.Log("warn", "write metrics failed", map[string]any{"path": opts.metricsFile, "error": err.Error()})
			}
		}()
	}

	cfg, err := loadConfig(opts, stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	started := time.Now()
	runID := ids.NewRun(started)
	ctx = audit.WithRunID(ctx, runID)

	backend, closeBackend, err := openBackend(cfg, opts)
	if err != nil {
		return err
	}
	defer closeBackend()

	orch, err := provision.New(backend, cfg.Plan(opts.resetSchema, opts.verify),
		provision.WithNarrator(provision.NewConsole(stdout)),
		provision.WithRunID(runID),
	)
	if err != nil {
		return err
	}

	obs.Log("info", "bootstrap started", map[string]any{
		"run_id":       runID,
		"backend":      opts.backend,
		"reset_schema": opts.resetSchema,
	})
	rep, err := orch.Run(ctx)
	printSummary(stdout, rep, err)
	fields := map[string]any{
		"run_id":      runID,
		"state":       rep.State.String(),
		"writes":      rep.Writes(),
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		fields["stage"] = string(rep.FailedStage)
		fields["error"] = err.Error()
		obs.Log("error", "bootstrap aborted", fields)
		return err
	}
	obs.Log("info", "bootstrap finished", fields)
	return nil
}

// loadConfig merges dotenv files, the environment, secret files and flags,
// in increasing order of precedence.
func loadConfig(opts options, stdin io.Reader) (config.Config, error) {
	files := config.DefaultEnvFiles
	if opts.envFile != "" {
		if _, err := os.Stat(opts.envFile); err != nil {
			return config.Config{}, &provision.ConfigError{Field: "env-file", Reason: err.Error()}
		}
		files = []string{opts.envFile}
	}
	loaded, err := config.LoadEnv(files...)
	if err != nil {
		return config.Config{}, &provision.ConfigError{Field: "env-file", Reason: err.Error()}
	}
	if len(loaded) > 0 {
		obs.Log("info", "environment files loaded", map[string]any{"files": loaded})
	}

	cfg := config.FromEnv()
	if opts.serviceKeyFile != "" {
		key, err := config.ReadSecret(opts.serviceKeyFile, stdin)
		if err != nil {
			return cfg, &provision.ConfigError{Field: "service-key-file", Reason: err.Error()}
		}
		cfg.ServiceKey, cfg.ServiceKeyVar = key, "service-key-file"
	}
	if opts.passwordFile != "" {
		pw, err := config.ReadSecret(opts.passwordFile, stdin)
		if err != nil {
			return cfg, &provision.ConfigError{Field: "password-file", Reason: err.Error()}
		}
		cfg.Admin.Password = pw
	}
	if opts.email != "" {
		cfg.Admin.Email = opts.email
	}
	if opts.name != "" {
		cfg.Admin.DisplayName = opts.name
	}
	if opts.role != "" {
		cfg.RoleCode = opts.role
	}
	if opts.roleTable != "" {
		cfg.Tables.Roles = opts.roleTable
	}
	if opts.assignmentTable != "" {
		cfg.Tables.Assignments = opts.assignmentTable
	}
	if opts.callTimeout > 0 {
		cfg.CallTimeout = opts.callTimeout
	}
	if err := cfg.Validate(time.Now()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openBackend builds the Backend selected by -backend. The returned close
// function is always safe to call.
func openBackend(cfg config.Config, opts options) (provision.Backend, func(), error) {
	noop := func() {}
	clientOpts := []supabase.Option{
		supabase.WithPublicKey(cfg.AnonKey),
		supabase.WithTables(cfg.Tables),
		supabase.WithTimeout(cfg.CallTimeout),
	}
	if opts.rate > 0 {
		clientOpts = append(clientOpts, supabase.WithRateLimit(rate.Limit(opts.rate), 1))
	}
	client, err := supabase.New(cfg.URL, cfg.ServiceKey, clientOpts...)
	if err != nil {
		return nil, noop, &provision.ConfigError{Field: "SUPABASE_URL", Reason: err.Error()}
	}

	switch opts.backend {
	case "sdk":
		return supabase.NewSDK(client), noop, nil
	case "postgres":
		if cfg.PGDSN == "" {
			return nil, noop, &provision.ConfigError{
				Field:  "BOOTSTRAP_PG_DSN",
				Reason: "direct database connection string is not set",
				Remedy: "copy it from Project > Settings > Database, or use -backend=rest",
			}
		}
		store, err := pg.Open(cfg.PGDSN, cfg.Tables)
		if err != nil {
			return nil, noop, &provision.ConfigError{Field: "BOOTSTRAP_PG_DSN", Reason: err.Error()}
		}
		closeStore := func() {
			if err := store.Close(); err != nil {
				obs.Log("warn", "close database failed", map[string]any{"error": err.Error()})
			}
		}
		// Accounts live behind the auth admin API, so they stay on HTTP.
		return provision.Compose(store, client, store, store), closeStore, nil
	default:
		return client, noop, nil
	}
}

func printSummary(w io.Writer, rep provision.Report, err error) {
	fmt.Fprintln(w)
	if err != nil {
		fmt.Fprintf(w, "❌ bootstrap aborted at %s (run %s)\n", rep.FailedStage, rep.RunID)
		var cfgErr *provision.ConfigError
		if errors.As(err, &cfgErr) && cfgErr.Remedy != "" {
			fmt.Fprintf(w, "   fix: %s\n", cfgErr.Remedy)
		}
		var partial *provision.PartialProgressError
		if errors.As(err, &partial) {
			fmt.Fprintf(w, "   %d of %d statements took effect and were not rolled back\n", partial.Executed, partial.Total)
		}
		return
	}
	fmt.Fprintf(w, "✅ bootstrap complete (run %s)\n", rep.RunID)
	fmt.Fprintf(w, "   account:    %s%s\n", rep.AccountID, created(rep.AccountCreated))
	fmt.Fprintf(w, "   role:       %s\n", rep.RoleID)
	fmt.Fprintf(w, "   assignment: %s%s\n", rep.AssignmentID, created(rep.AssignmentInserted))
	if rep.Writes() == 0 {
		fmt.Fprintln(w, "   nothing to change")
	}
}

func created(b bool) string {
	if b {
		return " (created)"
	}
	return " (existing)"
}

func exitCode(err error) int {
	var partial *provision.PartialProgressError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &partial):
		return exitPartial
	case errors.Is(err, provision.ErrConfig):
		return exitConfig
	case errors.Is(err, provision.ErrExternalCall):
		return exitExternal
	default:
		return exitFailure
	}
}
