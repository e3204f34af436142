package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/izavyalov-dev/delta-repair/applier"
	"github.com/izavyalov-dev/delta-repair/classify"
	"github.com/izavyalov-dev/delta-repair/diagnostic"
	"github.com/izavyalov-dev/delta-repair/internal/artifacts"
	"github.com/izavyalov-dev/delta-repair/internal/observability"
	"github.com/izavyalov-dev/delta-repair/internal/provider/github"
	"github.com/izavyalov-dev/delta-repair/internal/vcs/git"
	"github.com/izavyalov-dev/delta-repair/orchestrator"
	"github.com/izavyalov-dev/delta-repair/patch"
	"github.com/izavyalov-dev/delta-repair/pipeline"
	"github.com/izavyalov-dev/delta-repair/protocol"
	"github.com/izavyalov-dev/delta-repair/retry"
	"github.com/izavyalov-dev/delta-repair/snapshot"
	"github.com/izavyalov-dev/delta-repair/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "serve failed: %v\n", err)
			os.Exit(1)
		}
	case "replay":
		if err := runReplay(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: repaird <serve|replay> [flags]")
}

type serveFlags struct {
	databaseURL   string
	listen        string
	githubToken   string
	appID         string
	appInstall    string
	appKeyFile    string
	webhookSecret string
	workspaceRoot string
	policyFile    string
	rulesFile     string
	s3Bucket      string
	s3Prefix      string
	s3Region      string
	maxPerDay     int
	notify        bool
}

func parseServeFlags(name string, args []string) *serveFlags {
	sf := &serveFlags{}
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	flags.StringVar(&sf.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN")
	flags.StringVar(&sf.listen, "listen", ":8080", "Listen address")
	flags.StringVar(&sf.githubToken, "github-token", os.Getenv("GITHUB_TOKEN"), "GitHub API token")
	flags.StringVar(&sf.appID, "github-app-id", os.Getenv("GITHUB_APP_ID"), "GitHub App id (alternative to a token)")
	flags.StringVar(&sf.appInstall, "github-app-installation", os.Getenv("GITHUB_APP_INSTALLATION_ID"), "GitHub App installation id")
	flags.StringVar(&sf.appKeyFile, "github-app-key", os.Getenv("GITHUB_APP_KEY_FILE"), "Path to the GitHub App private key PEM")
	flags.StringVar(&sf.webhookSecret, "webhook-secret", os.Getenv("WEBHOOK_SECRET"), "Webhook HMAC secret")
	flags.StringVar(&sf.workspaceRoot, "workspace", ".", "Workspace checkout the repairs mutate")
	flags.StringVar(&sf.policyFile, "policy", "", "YAML repair policy file")
	flags.StringVar(&sf.rulesFile, "rules", "", "YAML classifier rule table")
	flags.StringVar(&sf.s3Bucket, "s3-bucket", "", "S3 bucket for failure log archives")
	flags.StringVar(&sf.s3Prefix, "s3-prefix", "", "S3 key prefix for failure log archives")
	flags.StringVar(&sf.s3Region, "s3-region", "", "S3 region for failure log archives")
	flags.IntVar(&sf.maxPerDay, "max-retries-per-day", 50, "Provider reruns allowed per day")
	flags.BoolVar(&sf.notify, "notify", false, "Post repair outcomes as commit comments")
	_ = flags.Parse(args)
	return sf
}

func runServe(args []string) error {
	sf := parseServeFlags("serve", args)
	if sf.databaseURL == "" {
		return errors.New("database-url or DATABASE_URL required")
	}
	if sf.githubToken == "" && sf.appID == "" {
		return errors.New("github-token or github-app-id required")
	}

	ctx := context.Background()
	logger := observability.NewLogger("repaird")

	db, err := openDB(ctx, sf.databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return err
	}

	service, snapshots, err := buildService(ctx, sf, store, logger)
	if err != nil {
		return err
	}

	handler := orchestrator.NewHTTPHandler(service, orchestrator.HTTPConfig{WebhookSecret: sf.webhookSecret},
		observability.NewLogger("orchestrator.http"))

	server := &http.Server{
		Addr:              sf.listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := startSnapshotPruner(snapshots, observability.NewLogger("repaird.pruner"), time.Minute)
	defer close(stop)

	logger.Info("repaird listening", "event", "server_started", "addr", sf.listen)
	return server.ListenAndServe()
}

func runReplay(args []string) error {
	sf := parseServeFlags("replay", args)
	if len(args) == 0 {
		return errors.New("replay requires an event JSON file as the last argument")
	}
	eventPath := args[len(args)-1]

	raw, err := os.ReadFile(eventPath)
	if err != nil {
		return err
	}
	var event protocol.CIEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("decode event %s: %w", eventPath, err)
	}

	if sf.githubToken == "" && sf.appID == "" {
		return errors.New("github-token or github-app-id required")
	}

	ctx := context.Background()
	logger := observability.NewLogger("repaird.replay")

	// Replay runs against the in-memory store so a saved event can be fed
	// through the full decision path without a database.
	mem := state.NewMemory()
	service, _, err := buildServiceWith(ctx, sf, mem, mem, nil, logger)
	if err != nil {
		return err
	}

	session, err := service.HandleEvent(ctx, event)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(session, "", "  ")
	fmt.Println(string(out))
	return nil
}

// buildService wires the Postgres-backed service.
func buildService(ctx context.Context, sf *serveFlags, store *state.Store, logger *slog.Logger) (*orchestrator.Service, *snapshot.Manager, error) {
	return buildServiceWith(ctx, sf, store, store, state.NewSnapshotStore(store), logger)
}

func buildServiceWith(ctx context.Context, sf *serveFlags, history orchestrator.SessionHistory,
	audit orchestrator.AuditLog, snapStore snapshot.Store, logger *slog.Logger) (*orchestrator.Service, *snapshot.Manager, error) {

	config := orchestrator.DefaultConfig(sf.workspaceRoot)
	if sf.policyFile != "" {
		if err := loadPolicy(sf.policyFile, &config); err != nil {
			return nil, nil, err
		}
		config.WorkspaceRoot = sf.workspaceRoot
	}

	var rules []classify.Rule
	if sf.rulesFile != "" {
		loaded, err := classify.LoadRules(sf.rulesFile)
		if err != nil {
			return nil, nil, err
		}
		rules = loaded
	}
	classifier, err := classify.NewClassifier(rules, config.Confidence)
	if err != nil {
		return nil, nil, err
	}
	mapper := classify.NewMapper(sf.workspaceRoot, config.Confidence)

	provider, err := buildProviderClient(sf)
	if err != nil {
		return nil, nil, err
	}

	var archiver orchestrator.Archiver
	if sf.s3Bucket != "" {
		uploader, err := artifacts.NewS3Uploader(ctx, artifacts.S3Config{
			Bucket: sf.s3Bucket,
			Prefix: sf.s3Prefix,
			Region: sf.s3Region,
		})
		if err != nil {
			return nil, nil, err
		}
		archiver = uploader
	}

	repo := git.NewRepo(sf.workspaceRoot)
	if snapStore == nil {
		snapStore = snapshot.NewMemoryStore()
	}
	snapshots := snapshot.NewManager(sf.workspaceRoot, snapStore, repo, observability.NewLogger("snapshot"))

	strategy := patch.NewTableStrategy(map[diagnostic.Category]patch.FixFunc{
		diagnostic.CategoryStyle: stripTrailingWhitespace,
	})
	engine := pipeline.NewEngine(
		applier.NewProposer(sf.workspaceRoot, strategy),
		applier.NewApplier(sf.workspaceRoot),
		applier.NewVerifier(sf.workspaceRoot, applier.NewStrategyRunner(strategy, strategy.Categories())),
		snapshots,
		observability.NewLogger("pipeline"),
	)

	retryEngine := retry.NewEngine(provider)
	metrics := observability.NewMetrics(nil)
	retryEngine.Metrics = metrics
	retryEngine.MaxPerDay = sf.maxPerDay
	var retries orchestrator.RetryRunner = retryEngine
	if reserver, ok := history.(retryReserver); ok {
		retries = &budgetedRetryRunner{engine: retryEngine, reserver: reserver, limit: sf.maxPerDay}
	}

	service := orchestrator.NewService(config, classifier, mapper, provider, archiver,
		engine, retries, history, audit, metrics, logger)
	if sf.notify {
		service.SetNotifier(github.NewNotifier(provider, observability.NewLogger("notifier.github")))
	}
	return service, snapshots, nil
}

// buildProviderClient prefers App installation tokens over a static PAT
// when App credentials are configured.
func buildProviderClient(sf *serveFlags) (*github.Client, error) {
	if sf.appID == "" {
		return github.NewClient(sf.githubToken), nil
	}
	keyPEM, err := os.ReadFile(sf.appKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read github app key: %w", err)
	}
	tokens, err := github.NewAppAuth(sf.appID, sf.appInstall, keyPEM, "")
	if err != nil {
		return nil, err
	}
	return github.NewAppClient(tokens), nil
}

// stripTrailingWhitespace is the default style fixer; anything more invasive
// needs a registered strategy.
func stripTrailingWhitespace(ctx context.Context, path string, category diagnostic.Category, detail string, content string) (string, bool, error) {
	lines := strings.Split(content, "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed != line {
			lines[i] = trimmed
			changed = true
		}
	}
	if !changed {
		return "", false, nil
	}
	return strings.Join(lines, "\n"), true, nil
}

type retryReserver interface {
	ReserveRetry(ctx context.Context, day time.Time, limit int) (int, error)
}

// budgetedRetryRunner charges the persistent per-day budget before each
// retry session so restarts do not reset the counter.
type budgetedRetryRunner struct {
	engine   *retry.Engine
	reserver retryReserver
	limit    int
}

func (b *budgetedRetryRunner) Run(ctx context.Context, owner, name string, runID int64) (*retry.Session, error) {
	if _, err := b.reserver.ReserveRetry(ctx, time.Now(), b.limit); err != nil {
		return nil, err
	}
	return b.engine.Run(ctx, owner, name, runID)
}

func loadPolicy(path string, config *orchestrator.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return fmt.Errorf("parse policy %s: %w", path, err)
	}
	return nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func startSnapshotPruner(snapshots *snapshot.Manager, logger *slog.Logger, interval time.Duration) chan struct{} {
	if interval <= 0 {
		interval = time.Minute
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				count, err := snapshots.Prune(context.Background())
				if err != nil {
					logger.Error("snapshot prune failed", "event", "snapshot_prune_failed", "error", err)
				} else if count > 0 {
					logger.Info("snapshot prune completed", "event", "snapshot_prune_completed", "count", count)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
