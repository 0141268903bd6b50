// Package main is auditctl, the operator CLI for the audit trail: integrity
// verification, retention purges and schema migrations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onnwee/audittrail/internal/archive"
	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/config"
	"github.com/onnwee/audittrail/internal/db"
	"github.com/onnwee/audittrail/internal/middleware"
	"github.com/onnwee/audittrail/migrations"
)

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitUsage     = 2
	exitIntegrity = 3
)

var errUsage = errors.New("usage")

// backend is what a subcommand operates on.
type backend struct {
	store    audit.Store
	migrate  func(ctx context.Context) ([]string, error)
	archiver audit.Archiver
	close    func() error
}

type opener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error)

type cli struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	open   opener
	now    func() time.Time
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	c := &cli{
		stdout: os.Stdout,
		stderr: os.Stderr,
		open:   openPostgres,
		now:    time.Now,
	}
	code := c.run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (c *cli) usage() {
	fmt.Fprintln(c.stderr, "Audit Trail Control")
	fmt.Fprintln(c.stderr)
	fmt.Fprintln(c.stderr, "Usage: auditctl [-config file] <command> [options]")
	fmt.Fprintln(c.stderr)
	fmt.Fprintln(c.stderr, "Commands:")
	fmt.Fprintln(c.stderr, "  verify   recompute hashes and links for a time range")
	fmt.Fprintln(c.stderr, "  purge    delete entries older than a cutoff")
	fmt.Fprintln(c.stderr, "  migrate  apply pending schema migrations")
}

func (c *cli) run(ctx context.Context, args []string) int {
	global := flag.NewFlagSet("auditctl", flag.ContinueOnError)
	global.SetOutput(c.stderr)
	global.Usage = c.usage
	configPath := global.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	if global.NArg() == 0 {
		c.usage()
		return exitUsage
	}

	cfg, errs := config.Load(*configPath)
	for _, err := range errs {
		// JWT_SECRET is only read by the API server.
		if !errors.Is(err, config.ErrMissingJWTSecret) {
			fmt.Fprintf(c.stderr, "config: %v\n", err)
			return exitError
		}
	}
	if c.logger == nil {
		c.logger = middleware.NewLogger(cfg.Env)
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	var err error
	var code int
	switch cmd {
	case "verify":
		code, err = c.verify(ctx, cfg, rest)
	case "purge":
		code, err = c.purge(ctx, cfg, rest)
	case "migrate":
		code, err = c.migrate(ctx, cfg, rest)
	default:
		fmt.Fprintf(c.stderr, "unknown command %q\n\n", cmd)
		c.usage()
		return exitUsage
	}
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(c.stderr, "%s: %v\n", cmd, err)
		return exitError
	}
	return code
}

func (c *cli) verify(ctx context.Context, cfg *config.Config, args []string) (int, error) {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	from := fs.String("from", "", "start of the range, RFC3339 (default: 24h before -to)")
	to := fs.String("to", "", "end of the range, RFC3339 (default: now)")
	if err := fs.Parse(args); err != nil {
		return 0, errUsage
	}

	end := c.now().UTC()
	if *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return 0, fmt.Errorf("invalid -to: %w", err)
		}
		end = t.UTC()
	}
	start := end.Add(-24 * time.Hour)
	if *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return 0, fmt.Errorf("invalid -from: %w", err)
		}
		start = t.UTC()
	}
	if !start.Before(end) {
		return 0, errors.New("-from must be before -to")
	}

	b, err := c.open(ctx, cfg, c.logger)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.close() }()

	query := audit.NewQueryService(b.store, audit.QueryConfig{Logger: c.logger, Now: c.now})
	issues, err := query.VerifyIntegrity(ctx, start, end)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"valid":  len(issues) == 0,
		"from":   start,
		"to":     end,
		"issues": append([]audit.IntegrityIssue{}, issues...),
	}); err != nil {
		return 0, err
	}
	if len(issues) > 0 {
		return exitIntegrity, nil
	}
	return exitOK, nil
}

func (c *cli) purge(ctx context.Context, cfg *config.Config, args []string) (int, error) {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	before := fs.String("before", "", "delete entries that occurred before this RFC3339 time")
	olderThan := fs.Duration("older-than", 0, "delete entries older than this duration (default: the retention period)")
	dryRun := fs.Bool("dry-run", false, "count the entries instead of deleting them")
	if err := fs.Parse(args); err != nil {
		return 0, errUsage
	}
	if *before != "" && *olderThan != 0 {
		fmt.Fprintln(c.stderr, "purge: -before and -older-than are mutually exclusive")
		return 0, errUsage
	}

	now := c.now().UTC()
	cutoff := now.Add(-cfg.RetentionPeriod())
	switch {
	case *before != "":
		t, err := time.Parse(time.RFC3339, *before)
		if err != nil {
			return 0, fmt.Errorf("invalid -before: %w", err)
		}
		cutoff = t.UTC()
	case *olderThan > 0:
		cutoff = now.Add(-*olderThan)
	case *olderThan < 0:
		return 0, errors.New("-older-than must be positive")
	}

	b, err := c.open(ctx, cfg, c.logger)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.close() }()

	commands := audit.NewCommandService(audit.NewChainWriter(b.store), audit.CommandConfig{
		AsyncWorkers: 1,
		Logger:       c.logger,
	})
	defer func() { _ = commands.Close(context.WithoutCancel(ctx)) }()

	retention := audit.NewRetentionManager(b.store, audit.RetentionConfig{
		Period:   cfg.RetentionPeriod(),
		Archiver: b.archiver,
		Recorder: commands,
		Logger:   c.logger,
		Now:      c.now,
	})
	n, err := retention.Purge(ctx, cutoff, *dryRun)
	if err != nil {
		return 0, err
	}

	if *dryRun {
		fmt.Fprintf(c.stdout, "would delete %d entries before %s\n", n, cutoff.Format(time.RFC3339))
	} else {
		fmt.Fprintf(c.stdout, "deleted %d entries before %s\n", n, cutoff.Format(time.RFC3339))
	}
	return exitOK, nil
}

func (c *cli) migrate(ctx context.Context, cfg *config.Config, args []string) (int, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	if err := fs.Parse(args); err != nil {
		return 0, errUsage
	}

	b, err := c.open(ctx, cfg, c.logger)
	if err != nil {
		return 0, err
	}
	defer func() { _ = b.close() }()

	applied, err := b.migrate(ctx)
	if err != nil {
		return 0, err
	}
	if len(applied) == 0 {
		fmt.Fprintln(c.stdout, "schema is up to date")
		return exitOK, nil
	}
	for _, v := range applied {
		fmt.Fprintf(c.stdout, "applied %s\n", v)
	}
	return exitOK, nil
}

// openPostgres connects to DATABASE_URL and applies no migrations; the
// migrate command does that explicitly.
func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, config.ErrMissingDatabaseURL
	}
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	b := &backend{
		store: audit.NewPostgresStore(conn, logger),
		migrate: func(ctx context.Context) ([]string, error) {
			return db.Migrate(ctx, conn, migrations.FS)
		},
		close: conn.Close,
	}
	if cfg.ArchiveEnabled() {
		archiver, err := archive.NewS3Archiver(archive.Config{
			Bucket:          cfg.ArchiveBucket,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
		}, logger)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		b.archiver = archiver
	}
	return b, nil
}
