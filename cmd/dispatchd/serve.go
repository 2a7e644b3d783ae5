package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	dispatch "github.com/goliatone/go-dispatch"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook API, worker pool and dispatch scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, autoMigrate bool) error {
	runtime, err := loadRuntime(ctx, opts)
	if err != nil {
		return err
	}
	logger := runtime.Logger
	cfg := runtime.Config

	client, dialect, err := openPersistence(cfg.Persistence)
	if err != nil {
		return err
	}
	defer client.Close()
	if autoMigrate {
		if err := migrate(ctx, client, dialect); err != nil {
			return err
		}
		logger.Info("migrations applied", "dialect", dialect)
	}

	app, err := dispatch.New(runtime, client.DB())
	if err != nil {
		return err
	}

	if opts.logLevel != "debug" && opts.logLevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.HTTPServer().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return app.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("dispatchd stopped")
	return err
}
