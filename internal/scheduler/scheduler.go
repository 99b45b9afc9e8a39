// Package scheduler drives periodic syncing and token refresh. It is an
// explicit two state machine: Idle, where nothing runs, and Active,
// where a sync task and a refresh task run on their own intervals in
// one task group. Login and TokenRefreshed activate it, Logout and any
// authentication failure seen by the tasks return it to Idle, and
// Reconfigure rebuilds its services and restarts the active tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/health-sync/internal/config"
	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/syncengine"
	"golang.org/x/sync/errgroup"
)

// State is the scheduler state.
type State int

const (
	// Idle means no session is active and no periodic task runs.
	Idle State = iota

	// Active means a session is active and the periodic tasks run.
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}

	return "idle"
}

// Syncer runs sync passes.
type Syncer interface {
	Run(ctx context.Context, o syncengine.Override, obs syncengine.Observer) (*syncengine.Summary, error)
}

// Refresher rotates the session tokens.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// DeleteRetrier sends remote deletes queued while offline.
type DeleteRetrier interface {
	RetryPendingDeletes(ctx context.Context) (int, error)
}

// Services are the collaborators built for one sync configuration.
type Services struct {
	Engine  Syncer
	Session Refresher

	// Deletes is optional.
	Deletes DeleteRetrier
}

// Factory builds the services for a sync configuration.
type Factory func(cfg config.SyncConfig) (Services, error)

// Config holds the dependencies of a Scheduler.
type Config struct {
	Sync    config.SyncConfig
	Factory Factory
}

// Scheduler is the Idle/Active state machine.
type Scheduler struct {
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	cfg      config.SyncConfig
	services Services
	base     context.Context
	cancel   context.CancelFunc
	gen      uint64

	running atomic.Bool
	tasks   sync.WaitGroup
}

// New builds the initial services and returns an Idle scheduler.
func New(cfg Config, logger *slog.Logger) (*Scheduler, error) {
	services, err := cfg.Factory(cfg.Sync)
	if err != nil {
		return nil, fmt.Errorf("building sync services: %w", err)
	}

	return &Scheduler{
		factory:  cfg.Factory,
		logger:   logger,
		cfg:      cfg.Sync,
		services: services,
	}, nil
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Config returns the sync configuration in effect.
func (s *Scheduler) Config() config.SyncConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg
}

// Running reports whether a sync pass is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run hosts the periodic tasks until ctx is cancelled. Events received
// before Run only change the state; the tasks start once Run is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	if s.state == Active {
		s.startLocked()
	}
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.stopLocked()
	s.base = nil
	s.mu.Unlock()

	s.tasks.Wait()

	return nil
}

// Login activates the scheduler with a freshly issued token. An empty
// token is ignored.
func (s *Scheduler) Login(token string) {
	s.activate("login", token)
}

// TokenRefreshed records a rotated token. In Idle it activates the
// scheduler, since a successful refresh restores the session.
func (s *Scheduler) TokenRefreshed(token string) {
	s.activate("token refreshed", token)
}

func (s *Scheduler) activate(event, token string) {
	if token == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Active {
		return
	}

	s.state = Active
	s.logger.Info("scheduler active", slog.String("event", event))
	s.startLocked()
}

// Logout returns the scheduler to Idle and cancels the periodic tasks.
// Calls already in flight complete.
func (s *Scheduler) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivateLocked("logout")
}

// expire handles an authentication failure seen by a task of
// generation gen. Failures from tasks already replaced are ignored.
func (s *Scheduler) expire(gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state != Active {
		return
	}

	s.logger.Warn("session ended", slog.String("error", cause.Error()))
	s.deactivateLocked("auth failure")
}

func (s *Scheduler) deactivateLocked(event string) {
	if s.state == Idle {
		return
	}

	s.state = Idle
	s.gen++
	s.stopLocked()
	s.logger.Info("scheduler idle", slog.String("event", event))
}

// Reconfigure switches to cfg. When it differs from the current
// configuration the services are rebuilt and, in Active, the periodic
// tasks restart with them. An invalid configuration is rejected and the
// current one kept.
func (s *Scheduler) Reconfigure(cfg config.SyncConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Equal(s.cfg) {
		return nil
	}

	services, err := s.factory(cfg)
	if err != nil {
		return fmt.Errorf("rebuilding sync services: %w", err)
	}

	s.cfg = cfg
	s.services = services
	s.logger.Info("sync configuration changed",
		slog.String("api_base", cfg.APIBase),
		slog.Bool("full_sync_mode", cfg.FullSyncMode),
		slog.Duration("sync_interval", cfg.SyncInterval),
	)

	if s.state == Active {
		s.stopLocked()
		s.startLocked()
	}

	return nil
}

// startLocked launches the periodic tasks of a new generation. It is a
// no-op until Run has supplied a base context.
func (s *Scheduler) startLocked() {
	if s.base == nil {
		return
	}

	s.gen++
	gen := s.gen
	cfg := s.cfg
	services := s.services

	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel

	s.tasks.Add(1)

	go func() {
		defer s.tasks.Done()

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			s.syncLoop(gctx, gen, cfg, services)
			return nil
		})

		g.Go(func() error {
			s.refreshLoop(gctx, gen, cfg, services)
			return nil
		})

		_ = g.Wait()
	}()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Scheduler) syncLoop(ctx context.Context, gen uint64, cfg config.SyncConfig, svc Services) {
	if cfg.SyncOnStart {
		s.scheduledSync(ctx, gen, svc)
	}

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scheduledSync(ctx, gen, svc)
		}
	}
}

func (s *Scheduler) scheduledSync(ctx context.Context, gen uint64, svc Services) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sync already in progress, skipping tick")
		return
	}
	defer s.running.Store(false)

	if svc.Deletes != nil {
		remaining, err := svc.Deletes.RetryPendingDeletes(ctx)
		if err != nil {
			s.logger.Warn("retrying pending deletes failed", slog.String("error", err.Error()))
		} else if remaining > 0 {
			s.logger.Info("remote deletes still pending", slog.Int("pending", remaining))
		}
	}

	if _, err := svc.Engine.Run(ctx, syncengine.Override{}, nil); err != nil {
		s.syncFailed(gen, err)
	}
}

func (s *Scheduler) syncFailed(gen uint64, err error) {
	if errors.Is(err, apperrors.ErrNotAuthenticated) {
		s.expire(gen, err)
		return
	}

	s.logger.Warn("scheduled sync failed", slog.String("error", err.Error()))
}

func (s *Scheduler) refreshLoop(ctx context.Context, gen uint64, cfg config.SyncConfig, svc Services) {
	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Tokens are read from the store per call, so a rotated token
		// needs no hand-off.
		if _, err := svc.Session.Refresh(ctx); err != nil {
			// A failed refresh has already deleted the access token.
			s.expire(gen, err)
			return
		}
	}
}

// SyncNow runs one pass immediately with the current services. It
// returns ErrSyncInProgress when another pass is running.
func (s *Scheduler) SyncNow(ctx context.Context, o syncengine.Override, obs syncengine.Observer) (*syncengine.Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, apperrors.ErrSyncInProgress
	}
	defer s.running.Store(false)

	s.mu.Lock()
	gen := s.gen
	engine := s.services.Engine
	s.mu.Unlock()

	summary, err := engine.Run(ctx, o, obs)
	if errors.Is(err, apperrors.ErrNotAuthenticated) {
		s.expire(gen, err)
	}

	return summary, err
}

// RefreshNow rotates the tokens immediately. Success activates the
// scheduler; failure returns it to Idle.
func (s *Scheduler) RefreshNow(ctx context.Context) (string, error) {
	s.mu.Lock()
	gen := s.gen
	session := s.services.Session
	s.mu.Unlock()

	token, err := session.Refresh(ctx)
	if err != nil {
		s.expire(gen, err)
		return "", err
	}

	if token == "" {
		return "", apperrors.ErrNotAuthenticated
	}

	s.TokenRefreshed(token)

	return token, nil
}
