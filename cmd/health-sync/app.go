package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/alexjbarnes/health-sync/internal/config"
	"github.com/alexjbarnes/health-sync/internal/healthapi"
	"github.com/alexjbarnes/health-sync/internal/inbound"
	"github.com/alexjbarnes/health-sync/internal/notify"
	"github.com/alexjbarnes/health-sync/internal/records"
	"github.com/alexjbarnes/health-sync/internal/scheduler"
	"github.com/alexjbarnes/health-sync/internal/session"
	"github.com/alexjbarnes/health-sync/internal/state"
	"github.com/alexjbarnes/health-sync/internal/syncengine"
)

// app holds the long-lived resources shared by every command: the
// state and record databases, the status board and the services built
// for the sync configuration in effect.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	records  *records.SQLiteStore
	board    *scheduler.StatusBoard
	notifier notify.Notifier

	mu      sync.Mutex
	applier *inbound.Applier
	session *session.Manager
}

func openApp(cfg *config.Config, logger *slog.Logger, notifier notify.Notifier) (*app, error) {
	var (
		st  *state.State
		err error
	)

	if cfg.StatePath != "" {
		st, err = state.LoadAt(cfg.StatePath)
	} else {
		st, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	recordsPath := cfg.RecordsDB
	if recordsPath == "" {
		recordsPath, err = records.DefaultPath()
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	store, err := records.OpenSQLite(recordsPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		state:    st,
		records:  store,
		board:    scheduler.NewStatusBoard(),
		notifier: notifier,
	}, nil
}

func (a *app) Close() {
	if err := a.records.Close(); err != nil {
		a.logger.Warn("closing record store", slog.String("error", err.Error()))
	}

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state db", slog.String("error", err.Error()))
	}
}

// serviceSet is everything built for one sync configuration.
type serviceSet struct {
	engine  *syncengine.Engine
	session *session.Manager
	applier *inbound.Applier
}

// build creates the services for sc. Each configuration gets its own
// API client so a changed API base takes effect on the next task
// generation. The applier becomes the target of Apply and the session
// manager the one control logins go through.
func (a *app) build(sc config.SyncConfig) serviceSet {
	client := healthapi.NewClient(sc.APIBase, &http.Client{Timeout: a.cfg.HTTPTimeout})

	set := serviceSet{
		engine: syncengine.New(syncengine.Config{
			Sync:   sc,
			Source: a.records,
			Client: client,
			State:  a.state,
			Status: a.board,
		}, a.logger.With(slog.String("service", "sync"))),

		session: a.newSession(sc, client),

		applier: inbound.NewApplier(inbound.Config{
			Records:  a.records,
			Remote:   client,
			State:    a.state,
			Notifier: a.notifier,
		}, a.logger.With(slog.String("service", "inbound"))),
	}

	a.mu.Lock()
	a.applier = set.applier
	a.session = set.session
	a.mu.Unlock()

	return set
}

func (a *app) newSession(sc config.SyncConfig, client *healthapi.Client) *session.Manager {
	if client == nil {
		client = healthapi.NewClient(sc.APIBase, &http.Client{Timeout: a.cfg.HTTPTimeout})
	}

	return session.NewManager(session.Config{
		Sync:     sc,
		Client:   client,
		Store:    a.state,
		Notifier: a.notifier,
	}, a.logger.With(slog.String("service", "session")))
}

// currentSession returns the session manager of the configuration in
// effect, so logins serialize with the scheduler's refreshes.
func (a *app) currentSession() *session.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil {
		a.session = a.newSession(a.cfg.SyncConfig(), nil)
	}

	return a.session
}

// services is the scheduler factory.
func (a *app) services(sc config.SyncConfig) (scheduler.Services, error) {
	set := a.build(sc)

	return scheduler.Services{
		Engine:  set.engine,
		Session: set.session,
		Deletes: set.applier,
	}, nil
}

// Apply forwards a change notification to the applier of the current
// configuration.
func (a *app) Apply(ctx context.Context, env inbound.Envelope) error {
	a.mu.Lock()
	applier := a.applier
	a.mu.Unlock()

	if applier == nil {
		return fmt.Errorf("inbound applier not ready")
	}

	return applier.Apply(ctx, env)
}
