package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/CivicPress/civicpress-sub002/internal/idempotency"
	"github.com/CivicPress/civicpress-sub002/internal/lifecycle"
	"github.com/CivicPress/civicpress-sub002/internal/lock"
	"github.com/CivicPress/civicpress-sub002/internal/recovery"
	"github.com/CivicPress/civicpress-sub002/internal/saga"
	"github.com/CivicPress/civicpress-sub002/internal/store"
	"github.com/CivicPress/civicpress-sub002/pkg/snowflake"
)

type recoveryConfig struct {
	DBURL       string
	RedisAddr   string
	RedisPass   string
	RepoDir     string
	HookChannel string
	Staleness   time.Duration
	LockTTL     time.Duration
	RetryFailed bool
	Verbose     bool
	Alert       bool
	WebhookURL  string
	ReportPath  string
	Cron        string
	WorkerID    int64
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (recoveryConfig, error) {
	fs := flag.NewFlagSet("recovery", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg recoveryConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6380", "Redis address")
	fs.StringVar(&cfg.RedisPass, "redis-password", "", "Redis password")
	fs.StringVar(&cfg.RepoDir, "repo-dir", "./data/repo", "record repository directory")
	fs.StringVar(&cfg.HookChannel, "hook-channel", "civicpress:hooks", "hook event channel")
	fs.DurationVar(&cfg.Staleness, "staleness", 5*time.Minute, "age after which an executing saga counts as stuck")
	fs.DurationVar(&cfg.LockTTL, "lock-ttl", time.Minute, "resource lock TTL")
	fs.BoolVar(&cfg.RetryFailed, "retry-failed", false, "also re-run compensation for sagas in failed state")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code when sagas remain failed")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for unresolved-failure alerts")
	fs.StringVar(&cfg.ReportPath, "report", "", "write JSON report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled recovery runs")
	fs.Int64Var(&cfg.WorkerID, "worker-id", 900, "snowflake worker id")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg recoveryConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(errOut, "failed to connect to Redis: %v\n", err)
		return 2
	}

	code, err := runWithDeps(ctx, db, redisClient, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg recoveryConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled recovery...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled recovery...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled recovery exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDeps(ctx context.Context, db *sql.DB, redisClient *redis.Client, cfg recoveryConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Building saga executor...")
	}

	vcs, err := lifecycle.NewGitVersionControl(cfg.RepoDir)
	if err != nil {
		return 2, fmt.Errorf("failed to open record repo: %w", err)
	}
	ids, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		return 2, fmt.Errorf("failed to init snowflake: %w", err)
	}

	registry := saga.NewRegistry()
	defs := lifecycle.NewDefinitions(
		lifecycle.NewFileRecordStore(nil, cfg.RepoDir),
		lifecycle.NewPostgresIndexStore(db),
		vcs,
		lifecycle.NewRedisSearchIndex(redisClient),
		lifecycle.NewRedisHookBus(redisClient, cfg.HookChannel),
	)
	if err := defs.RegisterAll(registry); err != nil {
		return 2, fmt.Errorf("failed to register saga definitions: %w", err)
	}

	stateStore := store.NewPostgresStore(db)
	lockManager := lock.NewRedisLockManager(redisClient, cfg.LockTTL)
	executor := saga.NewExecutor(registry, stateStore,
		idempotency.NewRedisManager(redisClient), lockManager, nil, ids, nil, saga.Options{})
	manager := recovery.NewManager(stateStore, lockManager, executor, nil, nil, cfg.Staleness)

	if cfg.Verbose {
		fmt.Fprintln(out, "Recovering stuck sagas...")
	}
	stuckReport, err := manager.RecoverStuckSagas(ctx)
	if err != nil {
		return 2, fmt.Errorf("failed to recover stuck sagas: %w", err)
	}

	var failedReport *recovery.Report
	if cfg.RetryFailed {
		if cfg.Verbose {
			fmt.Fprintln(out, "Retrying failed sagas...")
		}
		failedReport, err = manager.RecoverFailedSagas(ctx)
		if err != nil {
			return 2, fmt.Errorf("failed to retry failed sagas: %w", err)
		}
	}

	stats, err := manager.GetRecoveryStats(ctx)
	if err != nil {
		return 2, fmt.Errorf("failed to collect recovery stats: %w", err)
	}

	report := buildReport(stuckReport, failedReport, stats)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}

	remaining := stats.ByStatus[saga.StatusFailed]
	if remaining == 0 && report.Errors == 0 {
		fmt.Fprintf(out, "✓ Recovery passed: scanned=%d compensated=%d\n",
			report.Scanned, report.Compensated)
		return 0, nil
	}

	fmt.Fprintf(errOut, "✗ Recovery incomplete: failed=%d errors=%d\n", remaining, report.Errors)
	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, report); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}
	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func sendWebhook(ctx context.Context, url string, report recoveryRunReport) error {
	payload := map[string]interface{}{
		"message": "saga recovery left unresolved failures",
		"report":  report,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

type recoveryRunReport struct {
	RunAt       string                `json:"runAt"`
	Scanned     int                   `json:"scanned"`
	Compensated int                   `json:"compensated"`
	Failed      int                   `json:"failed"`
	Errors      int                   `json:"errors"`
	Stuck       int64                 `json:"stuck"`
	ByStatus    map[saga.Status]int64 `json:"byStatus"`
}

func buildReport(stuck, failed *recovery.Report, stats *recovery.Stats) recoveryRunReport {
	report := recoveryRunReport{
		RunAt:    time.Now().UTC().Format(time.RFC3339),
		Stuck:    stats.Stuck,
		ByStatus: stats.ByStatus,
	}
	for _, r := range []*recovery.Report{stuck, failed} {
		if r == nil {
			continue
		}
		report.Scanned += r.Scanned
		report.Compensated += r.Compensated
		report.Failed += r.Failed
		report.Errors += r.Errors
	}
	return report
}

func writeReport(path string, report recoveryRunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
