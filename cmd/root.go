// Package cmd defines the geosync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-geosync/internal/app"
	"github.com/JakeFAU/forum-geosync/internal/config"
	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/logging"
	"github.com/JakeFAU/forum-geosync/internal/syncer"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the service surface the commands use. Tests swap in a fake via newApp.
type App interface {
	Close()
	Logger() *zap.Logger
	Gateway() forum.Gateway
	Sync(ctx context.Context) (forum.RunSummary, error)
	RetryAttachments(ctx context.Context, postID int64, force bool) (syncer.RetryResult, error)
	RetryMissingAttachments(ctx context.Context, limit int) ([]syncer.RetryResult, error)
	Migrate(ctx context.Context) error
	Serve(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "geosync",
		Short: "Synchronizes forum topics, posts and attachments into a geocoded store.",
		Long: `geosync crawls a forum section, upserts topics and posts into the
configured store, downloads attachments and geocodes each topic by its
place name.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/TOML/JSON); env GEOSYNC_* overrides")

	cmd.AddCommand(
		newSyncCmd(),
		newServeCmd(),
		newMigrateCmd(),
		newAttachmentsCmd(),
		newPostsCmd(),
		newTopicsCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
