package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"sparlo-backend/internal/llm"
	anthropic "sparlo-backend/internal/llm/anthropic"
	"sparlo-backend/internal/notify"
	"sparlo-backend/internal/pipeline"
	"sparlo-backend/internal/queue"
	"sparlo-backend/internal/reports"
	"sparlo-backend/internal/shared/config"
	"sparlo-backend/internal/shared/server"
	"sparlo-backend/internal/shared/storage/db"
	"sparlo-backend/internal/shared/storage/object"
	localstore "sparlo-backend/internal/shared/storage/object/local"
	s3store "sparlo-backend/internal/shared/storage/object/s3"
	"sparlo-backend/internal/usage"
)

// PipelineRunner allows callers to override pipeline execution for tests.
type PipelineRunner interface {
	Run(ctx context.Context, reportID, requestID string) error
	Resume(ctx context.Context, reportID, requestID string) error
}

// App holds shared dependencies for the API and worker binaries.
type App struct {
	Config         config.Config
	Router         *gin.Engine
	DB             *sql.DB
	Store          object.ObjectStore
	Queue          queue.Client
	Notifier       notify.Notifier
	LLM            llm.Client
	ReportsRepo    reports.Repo
	UsageService   *usage.Service
	ReportsService *reports.Service
	Pipeline       PipelineRunner
	Sweeper        *pipeline.Sweeper
	ReportsHandler *reports.Handler
	UsageHandler   *usage.Handler
}

// Build prepares shared dependencies and wires the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		DB:       sqlDB,
		Store:    store,
		Notifier: notifier,
	}

	if err := buildServices(ctx, app); err != nil {
		return nil, err
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:         app.Config,
		ReportsHandler: app.ReportsHandler,
		UsageHandler:   app.UsageHandler,
	})

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildNotifier(ctx context.Context, cfg config.Config) (notify.Notifier, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return notify.Noop{}, nil
	}
	notifier, err := notify.NewRedisNotifier(ctx, cfg.RedisURL)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: redis connect failed; progress notifications disabled: %v", err)
			return notify.Noop{}, nil
		}
		return nil, err
	}
	return notifier, nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(ctx context.Context, app *App) error {
	cfg := app.Config

	var repo reports.Repo
	if app.DB != nil {
		repo = &reports.PGRepo{DB: app.DB}
	} else {
		repo = reports.NewMemoryRepo()
	}
	app.ReportsRepo = repo

	var usageSvc *usage.Service
	if app.DB != nil {
		usageSvc = usage.NewPostgresService(usage.NewPGStore(app.DB, cfg.PeriodTokenLimit))
	} else {
		usageSvc = usage.NewService(repo, cfg.PeriodTokenLimit)
	}
	app.UsageService = usageSvc

	llmClient := llm.Client(llm.PlaceholderClient{})
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		client, err := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.LLMModel)
		if err != nil {
			return err
		}
		llmClient = client
	}
	app.LLM = llmClient

	runner := &pipeline.Runner{
		Repo:                 repo,
		Usage:                usageSvc,
		Store:                app.Store,
		LLM:                  llmClient,
		Notifier:             app.Notifier,
		MaxTokens:            cfg.LLMMaxTokens,
		ClarificationTimeout: cfg.ClarificationTimeout,
	}
	app.Pipeline = runner
	app.Sweeper = &pipeline.Sweeper{Repo: repo, Notifier: app.Notifier}

	queueClient, err := buildQueue(ctx, cfg, app)
	if err != nil {
		return err
	}
	app.Queue = queueClient

	app.ReportsService = &reports.Service{
		Repo:          repo,
		Usage:         usageSvc,
		Store:         app.Store,
		Queue:         queueClient,
		Notifier:      app.Notifier,
		TokenEstimate: cfg.ReportTokenEstimate,
	}

	app.ReportsHandler = reports.NewHandler(app.ReportsService)
	app.UsageHandler = usage.NewHandler(usageSvc)

	return nil
}

// buildQueue returns an SQS client when a queue URL is configured. Dev runs
// without one get an in-process loopback that feeds the pipeline directly,
// so the single binary behaves like API plus worker.
func buildQueue(ctx context.Context, cfg config.Config, app *App) (queue.Client, error) {
	if strings.TrimSpace(cfg.QueueURL) != "" {
		return queue.NewSQSClient(ctx, cfg.QueueURL)
	}
	if !isDevLike(cfg.Env) {
		return nil, fmt.Errorf("SPARLO_SQS_QUEUE_URL is required outside dev")
	}
	log.Printf("bootstrap: SPARLO_SQS_QUEUE_URL empty; running pipeline in-process")
	return queue.NewLocalClient(func(msgCtx context.Context, msg queue.Message) {
		var err error
		switch msg.Kind {
		case queue.KindResume:
			err = app.Pipeline.Resume(msgCtx, msg.ReportID, msg.RequestID)
		default:
			err = app.Pipeline.Run(msgCtx, msg.ReportID, msg.RequestID)
		}
		if err != nil {
			log.Printf("local pipeline run failed report_id=%s kind=%s err=%v", msg.ReportID, msg.Kind, err)
		}
	}), nil
}
