// Package runner boots the import service: configuration, observability,
// database, clients, the message dispatcher and the HTTP server.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"

	"github.com/databiosphere/import-service/internal/admission"
	"github.com/databiosphere/import-service/internal/api"
	"github.com/databiosphere/import-service/internal/dispatcher"
	"github.com/databiosphere/import-service/internal/janitor"
	"github.com/databiosphere/import-service/internal/model"
	"github.com/databiosphere/import-service/internal/permsync"
	"github.com/databiosphere/import-service/internal/repo"
	"github.com/databiosphere/import-service/internal/statusctl"
	"github.com/databiosphere/import-service/internal/translate"
	"github.com/databiosphere/import-service/services/auth"
	"github.com/databiosphere/import-service/services/bus"
	"github.com/databiosphere/import-service/services/datarepo"
	"github.com/databiosphere/import-service/services/meta"
	"github.com/databiosphere/import-service/services/objstore"
)

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

// Runner is responsible for running the application
type Runner struct {
	releaseInfo             ReleaseInfo
	logger                  logger.Logger
	gracefulShutdownTimeout time.Duration
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo) *Runner {
	return &Runner{
		releaseInfo:             releaseInfo,
		logger:                  logger.NewLogger().Child("runner"),
		gracefulShutdownTimeout: config.GetDuration("GracefulShutdownTimeout", 15, time.Second),
	}
}

type goRoutineFactory struct{}

func (goRoutineFactory) Go(function func()) { go function() }

// Run runs the application and returns the exit code
func (r *Runner) Run(ctx context.Context) int {
	path, err := config.Default.ConfigFileUsed()
	if err != nil {
		r.logger.Warnf("Config: Failed to parse config file from path %q, using default values: %v", path, err)
	} else {
		r.logger.Infof("Config: Using config file: %s", path)
	}

	stats.Default = stats.NewStats(config.Default, logger.Default, svcMetric.Instance,
		stats.WithServiceName("import-service"),
		stats.WithServiceVersion(r.releaseInfo.Version),
	)
	if err := stats.Default.Start(ctx, goRoutineFactory{}); err != nil {
		r.logger.Errorf("Failed to start stats: %v", err)
		return 1
	}
	defer stats.Default.Stop()

	db, err := r.setupDatabase(ctx)
	if err != nil {
		r.logger.Errorf("Failed to set up database: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	messageBus, err := bus.New(ctx, config.Default, logger.Default.NewLogger(), stats.Default)
	if err != nil {
		r.logger.Errorf("Failed to connect to pubsub: %v", err)
		return 1
	}
	defer func() { _ = messageBus.Close() }()

	imports := repo.NewImports(db)
	store := objstore.New(config.Default, logger.Default.NewLogger())
	authClient := auth.New(config.Default, logger.Default.NewLogger())
	metaClient := meta.New(config.Default, logger.Default.NewLogger())
	datarepoClient := datarepo.New(config.Default, logger.Default.NewLogger())
	policy := admission.New(config.Default, logger.Default.NewLogger())

	petStorageClient := func(ctx context.Context, imp *model.Import) (*storage.Client, error) {
		return store.UserClient(ctx, authClient.PetTokenSource(imp.WorkspaceGoogleProject, imp.Submitter))
	}
	translators := map[model.Filetype]translate.Translator{
		model.FiletypePFB:       translate.NewPFBTranslator(config.Default),
		model.FiletypeTDRExport: translate.NewTDRTranslator(config.Default, logger.Default.NewLogger(), imports, petStorageClient),
	}
	pipeline := translate.NewPipeline(config.Default, logger.Default.NewLogger(), stats.Default,
		imports, store, messageBus, authClient, translators)

	syncer := permsync.New(logger.Default.NewLogger(), stats.Default, authClient, datarepoClient)
	statusController := statusctl.New(logger.Default.NewLogger(), stats.Default, imports, syncer)
	dispatch := dispatcher.New(logger.Default.NewLogger(), stats.Default, pipeline, statusController)

	handler := api.NewHandler(config.Default, logger.Default.NewLogger(), stats.Default,
		db, imports, policy, authClient, metaClient, messageBus, dispatch)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.serveHTTP(gCtx, handler.Router())
	})

	// The pull loop is for deployments with no inbound push endpoint; push
	// deployments receive messages on /_ah/push-handlers/receive_messages.
	if config.GetBool("ImportService.pubsub.enablePullLoop", false) {
		g.Go(func() error {
			return messageBus.RunPullLoop(gCtx, dispatch.Dispatch)
		})
	}

	g.Go(func() error {
		return janitor.New(config.Default, logger.Default.NewLogger(), stats.Default, imports).Run(gCtx)
	})

	if err := g.Wait(); err != nil {
		r.logger.Errorf("Import service exited with error: %v", err)
		return 1
	}
	r.logger.Infof("Import service stopped")
	return 0
}

func (r *Runner) setupDatabase(ctx context.Context) (*sql.DB, error) {
	dsn := config.GetString("ImportService.db.dsn", "postgres://localhost:5432/imports?sslmode=disable")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(config.GetInt("ImportService.db.maxOpenConns", 8))
	db.SetMaxIdleConns(config.GetInt("ImportService.db.maxIdleConns", 4))
	db.SetConnMaxIdleTime(config.GetDuration("ImportService.db.connMaxIdleTime", 15, time.Minute))

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := repo.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

func (r *Runner) serveHTTP(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.GetInt("ImportService.webPort", 8080)),
		Handler:           handler,
		ReadTimeout:       config.GetDuration("ReadTimeout", 0, time.Second),
		ReadHeaderTimeout: config.GetDuration("ReadHeaderTimeout", 0, time.Second),
		WriteTimeout:      config.GetDuration("WriteTimeout", 10, time.Second),
		IdleTimeout:       config.GetDuration("IdleTimeout", 720, time.Second),
		MaxHeaderBytes:    config.GetInt("MaxHeaderBytes", 524288),
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.gracefulShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			r.logger.Errorf("HTTP server shutdown: %v", err)
		}
	}()

	r.logger.Infof("Starting HTTP server on %s", server.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}
