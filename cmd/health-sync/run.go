package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/health-sync/internal/auth"
	"github.com/alexjbarnes/health-sync/internal/config"
	"github.com/alexjbarnes/health-sync/internal/inbound"
	"github.com/alexjbarnes/health-sync/internal/mcpserver"
	"github.com/alexjbarnes/health-sync/internal/scheduler"
	"github.com/alexjbarnes/health-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	// controlWriteTimeout bounds a control response. sync_now waits for
	// the whole run, which includes the staggered detail uploads.
	controlWriteTimeout = 15 * time.Minute

	// shutdownTimeout is how long in-flight control requests get to
	// finish on shutdown.
	shutdownTimeout = 10 * time.Second
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, true, runDaemon)
		},
	}
}

func runDaemon(ctx context.Context, a *app) error {
	a.logger.Info("health-sync starting",
		slog.String("version", Version),
		slog.String("api", a.cfg.APIBase),
		slog.Bool("push", a.cfg.PushURL != ""),
		slog.Bool("control", a.cfg.EnableControl),
	)

	sched, err := scheduler.New(scheduler.Config{
		Sync:    a.cfg.SyncConfig(),
		Factory: a.services,
	}, a.logger.With(slog.String("service", "scheduler")))
	if err != nil {
		return err
	}

	resumeSession(ctx, a, sched)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if a.cfg.PushURL != "" {
		listener := inbound.NewListener(inbound.ListenerConfig{
			URL:     a.cfg.PushURL,
			Tokens:  a.state,
			Handler: a,
		}, a.logger.With(slog.String("service", "push")))

		g.Go(func() error {
			return ignoreCanceled(listener.Run(gctx))
		})
	}

	if a.cfg.SettingsFile != "" {
		g.Go(func() error {
			return watchSettings(gctx, a, sched)
		})
	}

	if a.cfg.EnableControl {
		g.Go(func() error {
			return runControl(gctx, a, sched)
		})
	}

	return g.Wait()
}

// sessionControl signs in and out for the daemon and moves the
// scheduler with the stored session.
type sessionControl struct {
	app   *app
	sched *scheduler.Scheduler
}

// Login signs in and activates the scheduler. Empty arguments fall back
// to the configured credentials.
func (c sessionControl) Login(ctx context.Context, username, password, deviceToken string) error {
	cfg := c.app.cfg

	if username == "" {
		username = cfg.Username
	}

	if password == "" {
		password = cfg.Password
	}

	if deviceToken == "" {
		deviceToken = cfg.PushDeviceToken
	}

	creds, err := c.app.currentSession().Login(ctx, username, password, deviceToken)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	c.sched.Login(creds.AccessToken)

	return nil
}

// Logout deletes the access token and returns the scheduler to Idle.
func (c sessionControl) Logout() error {
	if err := c.app.currentSession().Logout(); err != nil {
		return err
	}

	c.sched.Logout()

	return nil
}

// resumeSession activates the scheduler from a stored token, or signs
// in with configured credentials when none is stored.
func resumeSession(ctx context.Context, a *app, sched *scheduler.Scheduler) {
	if token := a.state.AccessToken(); token != "" {
		a.logger.Info("resuming stored session")
		sched.Login(token)

		return
	}

	if a.cfg.Username == "" || a.cfg.Password == "" {
		a.logger.Info("no session, waiting for login")
		return
	}

	if err := (sessionControl{app: a, sched: sched}).Login(ctx, "", "", ""); err != nil {
		a.logger.Warn("login with configured credentials failed", slog.String("error", err.Error()))
	}
}

// watchSettings applies settings file changes to the scheduler. A
// watcher that cannot start is logged and does not stop the daemon.
func watchSettings(ctx context.Context, a *app, sched *scheduler.Scheduler) error {
	logger := a.logger.With(slog.String("service", "settings"))

	err := config.WatchSettings(ctx, a.cfg.SettingsFile, logger, func(s *config.Settings) {
		next, err := a.cfg.WithSettings(s)
		if err != nil {
			logger.Warn("ignoring settings change", slog.String("error", err.Error()))
			return
		}

		if err := sched.Reconfigure(next); err != nil {
			logger.Warn("applying settings change failed", slog.String("error", err.Error()))
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("settings watcher stopped", slog.String("error", err.Error()))
	}

	return nil
}

// runControl serves the MCP control surface.
func runControl(ctx context.Context, a *app, sched *scheduler.Scheduler) error {
	logger := a.logger.With(slog.String("service", "control"))

	verifier, err := auth.NewKeyVerifier(a.cfg.ControlAPIKeyHash)
	if err != nil {
		return fmt.Errorf("CONTROL_API_KEY_HASH: %w", err)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "health-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Scheduler: sched,
		Sessions:  sessionControl{app: a, sched: sched},
		Status:    a.board,
		History:   a.state,
		Applier:   a,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: a.cfg.ControlListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Verifier:   verifier,
			MCPHandler: mcpHandler,
			Logger:     logger,
			Version:    Version,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: controlWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting control server", slog.String("listen", a.cfg.ControlListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down control server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control server shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
