// Package app builds the long-lived services from configuration and hosts
// the scheduled sync loop alongside the ops HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-geosync/internal/auth"
	"github.com/JakeFAU/forum-geosync/internal/clock/system"
	"github.com/JakeFAU/forum-geosync/internal/config"
	"github.com/JakeFAU/forum-geosync/internal/extract"
	collyfetcher "github.com/JakeFAU/forum-geosync/internal/fetcher/colly"
	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/geocode"
	"github.com/JakeFAU/forum-geosync/internal/id/uuid"
	memorypublisher "github.com/JakeFAU/forum-geosync/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/forum-geosync/internal/publisher/pubsub"
	"github.com/JakeFAU/forum-geosync/internal/scheduler"
	"github.com/JakeFAU/forum-geosync/internal/server"
	gcsstorage "github.com/JakeFAU/forum-geosync/internal/storage/gcs"
	localstorage "github.com/JakeFAU/forum-geosync/internal/storage/local"
	memorystorage "github.com/JakeFAU/forum-geosync/internal/storage/memory"
	pgstore "github.com/JakeFAU/forum-geosync/internal/storage/postgres"
	"github.com/JakeFAU/forum-geosync/internal/syncer"
)

const shutdownTimeout = 15 * time.Second

// App holds the services shared by every command.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	gateway   forum.Gateway
	postgres  *pgstore.Gateway
	syncer    *syncer.Syncer
	gcs       *storage.Client
	pubsub    *gcppublisher.Publisher
	publisher forum.Publisher
}

// New wires the gateway, fetcher, auth, geocoder, blob stores and
// publisher described by cfg. The caller owns Close.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Timeout()}
	robots := collyfetcher.NewRobotsPolicy(httpClient, cfg.Forum.UserAgent, a.logger.Named("robots"))
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:         cfg.Forum.UserAgent,
		Timeout:           cfg.Timeout(),
		MaxConcurrency:    cfg.HTTP.MaxConcurrency,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
	}, robots, a.logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}

	sessions := auth.NewSessionManager(auth.Config{
		ForumRootURL:   cfg.Forum.RootURL,
		LoginURL:       cfg.Auth.LoginURL,
		Username:       cfg.Auth.Username,
		Password:       cfg.Auth.Password,
		FallbackCookie: cfg.Auth.SessionCookie,
		CookieName:     cfg.Auth.SessionCookieName,
		UserAgent:      cfg.Forum.UserAgent,
		Timeout:        cfg.Timeout(),
	}, a.logger.Named("auth"))

	geocoder := geocode.New(geocode.Config{
		Provider:          cfg.Geocoder.Provider,
		YandexAPIKey:      cfg.Geocoder.YandexAPIKey,
		GoogleAPIKey:      cfg.Geocoder.GoogleAPIKey,
		CountryHint:       cfg.Geocoder.CountryHint,
		Timeout:           cfg.Timeout(),
		RequestsPerSecond: cfg.Geocoder.RequestsPerSecond,
	}, httpClient, a.logger.Named("geocoder"))

	blobs, mirror, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}

	deps := syncer.Dependencies{
		Gateway:   a.gateway,
		Fetcher:   fetcher,
		Auth:      sessions,
		Extractor: extract.New(a.logger.Named("extract")),
		Geocoder:  geocoder,
		Publisher: a.publisher,
		Clock:     system.New(),
		IDs:       uuid.New(),
	}
	// Typed nils must not reach the interface fields.
	if blobs != nil {
		deps.Blobs = blobs
	}
	if mirror != nil {
		deps.Mirror = mirror
	}

	a.syncer, err = syncer.New(deps, syncer.Config{
		SourceName:         cfg.Forum.SourceName,
		ForumRootURL:       cfg.Forum.RootURL,
		MaxPages:           cfg.Forum.MaxPages,
		MaxTopicPages:      cfg.Forum.MaxTopicPages,
		MaxConcurrency:     cfg.HTTP.MaxConcurrency,
		AttachmentsEnabled: cfg.Attachments.Enabled,
		GeocodeTTL:         cfg.GeocodeTTL(),
		SummaryTopic:       cfg.PubSub.TopicName,
	}, a.logger.Named("syncer"))
	if err != nil {
		return fmt.Errorf("create syncer: %w", err)
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn not set; using in-memory store, data is lost on exit")
		a.gateway = memorystorage.NewGateway(system.New())
		return nil
	}
	gw, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.postgres = gw
	a.gateway = gw
	a.logger.Info("postgres gateway ready", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupStorage(ctx context.Context) (*localstorage.BlobStore, *gcsstorage.BlobStore, error) {
	if a.cfg.Attachments.Dir == "" {
		return nil, nil, nil
	}
	blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Attachments.Dir})
	if err != nil {
		return nil, nil, fmt.Errorf("create attachment store: %w", err)
	}
	if a.cfg.Attachments.GCSBucket == "" {
		return blobs, nil, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	a.gcs = client
	mirror, err := gcsstorage.New(client, gcsstorage.Config{
		Bucket: a.cfg.Attachments.GCSBucket,
		Prefix: a.cfg.Attachments.GCSPrefix,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create gcs mirror: %w", err)
	}
	a.logger.Info("mirroring attachments to gcs", zap.String("bucket", a.cfg.Attachments.GCSBucket))
	return blobs, mirror, nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" {
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub publisher: %w", err)
	}
	a.pubsub = pub
	a.publisher = pub
	a.logger.Info("publishing run summaries", zap.String("topic", a.cfg.PubSub.TopicName))
	return nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Sync performs one synchronization run bounded by sync.run_timeout.
func (a *App) Sync(ctx context.Context) (forum.RunSummary, error) {
	if a.cfg.Sync.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Sync.RunTimeout)
		defer cancel()
	}
	return a.syncer.Run(ctx)
}

// RetryAttachments re-downloads one post's attachments.
func (a *App) RetryAttachments(ctx context.Context, postID int64, force bool) (syncer.RetryResult, error) {
	return a.syncer.RetryAttachments(ctx, postID, force)
}

// RetryMissingAttachments retries every attachment without a stored file.
func (a *App) RetryMissingAttachments(ctx context.Context, limit int) ([]syncer.RetryResult, error) {
	return a.syncer.RetryMissingAttachments(ctx, limit)
}

// Syncer returns the configured pipeline.
func (a *App) Syncer() *syncer.Syncer { return a.syncer }

// Gateway returns the persistence gateway.
func (a *App) Gateway() forum.Gateway { return a.gateway }

// Publisher returns the run summary publisher.
func (a *App) Publisher() forum.Publisher { return a.publisher }

// Migrate applies the relational schema. The in-memory store needs none.
func (a *App) Migrate(ctx context.Context) error {
	if a.postgres == nil {
		a.logger.Info("no database configured; nothing to migrate")
		return nil
	}
	return a.postgres.Migrate(ctx)
}

// Ready reports whether the database is reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.postgres == nil {
		return nil
	}
	return a.postgres.Ping(ctx)
}

// Serve runs the scheduler and the ops HTTP server until ctx is canceled
// or SIGINT/SIGTERM arrives.
func (a *App) Serve(ctx context.Context) error {
	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(scheduler.Config{
		Interval:   a.cfg.Sync.Interval,
		RunTimeout: a.cfg.Sync.RunTimeout,
		RunOnStart: a.cfg.Sync.RunOnStart,
	}, func(ctx context.Context) error {
		_, err := a.syncer.Run(ctx)
		return err
	}, a.logger.Named("scheduler"))
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("create scheduler: %w", err)
	}

	srv := server.New(a.syncer, a.Ready, server.Config{}, a.logger.Named("http"))
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("ops server listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sched.Start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case err := <-serveErr:
		runErr = fmt.Errorf("ops server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("ops server shutdown", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop", zap.Error(err))
	}
	return runErr
}

// Close releases every owned client.
func (a *App) Close() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("close pubsub publisher", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("close storage client", zap.Error(err))
		}
	}
	if a.gateway != nil {
		a.gateway.Close()
	}
}
