// Package syncengine uploads locally recorded health data to the remote
// API. A run resolves its time window, reads every record category from
// the local store and uploads each category either as one batch or, for
// detail categories, one record at a time at a paced issue rate. All
// upload units run concurrently and a run only returns once every unit
// has settled. Unit failures are logged and counted, never returned.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/health-sync/internal/config"
	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/models"
	"golang.org/x/sync/errgroup"
)

// IdleMessage is the status shown when no run is in progress.
const IdleMessage = "Background sync service is running."

// ProgressMessage is the status shown while a run is uploading.
func ProgressMessage(synced, seen int) string {
	return fmt.Sprintf("Syncing... [%d/%d]", synced, seen)
}

// RecordSource is the local store a run reads from.
type RecordSource interface {
	Ping(ctx context.Context) error
	Read(ctx context.Context, category models.Category, start, end time.Time) ([]models.Record, error)
	ReadOne(ctx context.Context, category models.Category, id string) (models.Record, error)
}

// Uploader sends records to the remote API.
type Uploader interface {
	UploadBatch(ctx context.Context, category models.Category, records []models.Record, token string) error
	UploadOne(ctx context.Context, category models.Category, record models.Record, token string) error
}

// StateStore holds the access token, the last sync marker and run
// history.
type StateStore interface {
	AccessToken() string
	LastSync() (time.Time, bool, error)
	SetLastSync(t time.Time) error
	AppendRun(run models.RunRecord) error
}

// StatusSink receives the live status text.
type StatusSink interface {
	SetStatus(text string)
}

// ProgressSink is implemented by status sinks that track progress
// counts. When the sink implements it, SetProgress replaces the
// ProgressMessage text update.
type ProgressSink interface {
	SetProgress(synced, total int)
}

// Config holds the dependencies of an Engine.
type Config struct {
	Sync   config.SyncConfig
	Source RecordSource
	Client Uploader
	State  StateStore

	// Status is optional.
	Status StatusSink

	// Now overrides the wall clock used for window resolution and the
	// last sync marker. Defaults to time.Now.
	Now func() time.Time
}

// Engine runs sync passes. It holds no per-run state and is safe for
// concurrent use, though callers normally run one pass at a time.
type Engine struct {
	cfg    config.SyncConfig
	source RecordSource
	client Uploader
	state  StateStore
	status StatusSink
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:    cfg.Sync,
		source: cfg.Source,
		client: cfg.Client,
		state:  cfg.State,
		status: cfg.Status,
		now:    now,
		logger: logger,
	}
}

// Config returns the sync configuration the engine was built with.
func (e *Engine) Config() config.SyncConfig { return e.cfg }

// CategoryResult is the outcome for one category in a run.
type CategoryResult struct {
	Category models.Category `json:"category"`
	Detail   bool            `json:"detail"`
	Seen     int             `json:"seen"`
	Synced   int             `json:"synced"`
	Failed   int             `json:"failed"`
}

// Summary describes a finished run.
type Summary struct {
	Window      Window           `json:"window"`
	Mode        string           `json:"mode"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Seen        int              `json:"seen"`
	Synced      int              `json:"synced"`
	FailedUnits int              `json:"failed_units"`
	Categories  []CategoryResult `json:"categories,omitempty"`
}

// RunRecord converts the summary to its persisted form.
func (s *Summary) RunRecord() models.RunRecord {
	return models.RunRecord{
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
		WindowStart: s.Window.Start,
		WindowEnd:   s.Window.End,
		Mode:        s.Mode,
		Seen:        s.Seen,
		Synced:      s.Synced,
		FailedUnits: s.FailedUnits,
	}
}

// categoryRun tracks one category's counters.
type categoryRun struct {
	category models.Category
	detail   bool
	seen     int
	synced   atomic.Int64
	failed   atomic.Int64
}

// syncRun is the state of one pass. It lives only for the duration of
// Run.
type syncRun struct {
	window     Window
	issueStart time.Time
	observer   Observer

	seen   atomic.Int64
	synced atomic.Int64
	failed atomic.Int64

	categories []*categoryRun
	tasks      errgroup.Group
}

// Run performs one sync pass. A zero Override selects the default
// window and advances the last sync marker before any upload; any
// override leaves the marker alone. obs may be nil.
//
// Cancelling ctx stops categories and detail units that have not been
// issued yet. Units already issued run to completion.
//
// Run fails only when no access token is stored, when the override is
// invalid or when the record store is unreachable. All of these are
// detected before any network call.
func (e *Engine) Run(ctx context.Context, o Override, obs Observer) (*Summary, error) {
	if obs == nil {
		obs = nopObserver{}
	}

	if e.state.AccessToken() == "" {
		return nil, apperrors.ErrNotAuthenticated
	}

	startedAt := e.now()

	lastSync, hasLastSync, err := e.state.LastSync()
	if err != nil {
		e.logger.Warn("ignoring unreadable last sync marker", slog.String("error", err.Error()))
		hasLastSync = false
	}

	window, mode, err := ResolveWindow(startedAt, o, e.cfg.FullSyncMode, lastSync, hasLastSync)
	if err != nil {
		return nil, err
	}

	if err := e.source.Ping(ctx); err != nil {
		if !errors.Is(err, apperrors.ErrLocalStore) {
			err = fmt.Errorf("%w: %w", apperrors.ErrLocalStore, err)
		}

		return nil, fmt.Errorf("checking record store: %w", err)
	}

	if o.IsZero() {
		if err := e.state.SetLastSync(startedAt); err != nil {
			e.logger.Warn("failed to save last sync marker", slog.String("error", err.Error()))
		}
	}

	e.logger.Info("sync started",
		slog.String("mode", mode),
		slog.Time("start", window.Start),
		slog.Time("end", window.End),
	)

	run := &syncRun{
		window:     window,
		issueStart: time.Now(),
		observer:   obs,
	}

	for _, cat := range models.AllCategories() {
		if ctx.Err() != nil {
			break
		}

		e.startCategory(ctx, run, cat)
	}

	// Every task returns nil; Wait is the join.
	_ = run.tasks.Wait()

	e.setStatus(IdleMessage)

	summary := &Summary{
		Window:      window,
		Mode:        mode,
		StartedAt:   startedAt,
		FinishedAt:  e.now(),
		Seen:        int(run.seen.Load()),
		Synced:      int(run.synced.Load()),
		FailedUnits: int(run.failed.Load()),
	}

	for _, cr := range run.categories {
		summary.Categories = append(summary.Categories, CategoryResult{
			Category: cr.category,
			Detail:   cr.detail,
			Seen:     cr.seen,
			Synced:   int(cr.synced.Load()),
			Failed:   int(cr.failed.Load()),
		})
	}

	if err := e.state.AppendRun(summary.RunRecord()); err != nil {
		e.logger.Warn("failed to record run history", slog.String("error", err.Error()))
	}

	e.logger.Info("sync finished",
		slog.Int("seen", summary.Seen),
		slog.Int("synced", summary.Synced),
		slog.Int("failed_units", summary.FailedUnits),
		slog.Duration("elapsed", time.Since(run.issueStart)),
	)

	return summary, nil
}

// startCategory reads one category and schedules its upload units.
func (e *Engine) startCategory(ctx context.Context, run *syncRun, cat models.Category) {
	recs, err := e.source.Read(ctx, cat, run.window.Start, run.window.End)
	if err != nil {
		e.logger.Warn("skipping category, read failed",
			slog.String("category", string(cat)),
			slog.String("error", err.Error()),
		)

		return
	}

	if len(recs) == 0 {
		return
	}

	cr := &categoryRun{
		category: cat,
		detail:   e.cfg.IsDetail(cat),
		seen:     len(recs),
	}
	run.categories = append(run.categories, cr)
	run.seen.Add(int64(len(recs)))

	if !cr.detail {
		unitCtx := context.WithoutCancel(ctx)

		run.tasks.Go(func() error {
			e.uploadBatch(unitCtx, run, cr, recs)
			return nil
		})

		return
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}

	// The issuer task holds the group open while it schedules units, so
	// Wait covers units issued after it started.
	run.tasks.Go(func() error {
		e.issueDetail(ctx, run, cr, ids)
		return nil
	})
}

func (e *Engine) uploadBatch(ctx context.Context, run *syncRun, cr *categoryRun, recs []models.Record) {
	token := e.state.AccessToken()
	if token == "" {
		e.unitFailed(run, cr, len(recs), apperrors.ErrNotAuthenticated)
		return
	}

	if err := e.client.UploadBatch(ctx, cr.category, recs, token); err != nil {
		e.unitFailed(run, cr, len(recs), err)
		return
	}

	e.unitDone(run, cr, len(recs))
}

// issueDetail starts unit j at issueStart + j*StaggerInterval. Issued
// units run concurrently; cancelling ctx stops units not yet issued and
// leaves issued ones to finish.
func (e *Engine) issueDetail(ctx context.Context, run *syncRun, cr *categoryRun, ids []string) {
	unitCtx := context.WithoutCancel(ctx)

	for j, id := range ids {
		issueAt := run.issueStart.Add(time.Duration(j) * e.cfg.StaggerInterval)

		if err := sleepUntil(ctx, issueAt); err != nil {
			skipped := len(ids) - j
			run.failed.Add(int64(skipped))
			cr.failed.Add(int64(skipped))
			e.logger.Debug("detail units not issued",
				slog.String("category", string(cr.category)),
				slog.Int("skipped", skipped),
			)

			return
		}

		run.tasks.Go(func() error {
			e.uploadDetail(unitCtx, run, cr, id)
			return nil
		})
	}
}

func (e *Engine) uploadDetail(ctx context.Context, run *syncRun, cr *categoryRun, id string) {
	rec, err := e.source.ReadOne(ctx, cr.category, id)
	if err != nil {
		e.unitFailed(run, cr, 1, fmt.Errorf("reading detail for %s: %w", id, err))
		return
	}

	token := e.state.AccessToken()
	if token == "" {
		e.unitFailed(run, cr, 1, apperrors.ErrNotAuthenticated)
		return
	}

	if err := e.client.UploadOne(ctx, cr.category, rec, token); err != nil {
		e.unitFailed(run, cr, 1, err)
		return
	}

	e.unitDone(run, cr, 1)
}

func (e *Engine) unitDone(run *syncRun, cr *categoryRun, count int) {
	cr.synced.Add(int64(count))
	synced := run.synced.Add(int64(count))

	run.observer.OnProgress(models.ProgressEvent{
		Category: cr.category,
		Count:    count,
		Time:     time.Now(),
	})

	e.setProgress(int(synced), int(run.seen.Load()))
}

func (e *Engine) unitFailed(run *syncRun, cr *categoryRun, records int, err error) {
	run.failed.Add(1)
	cr.failed.Add(1)

	e.logger.Warn("upload failed",
		slog.String("category", string(cr.category)),
		slog.Int("records", records),
		slog.String("error", err.Error()),
	)
}

func (e *Engine) setStatus(text string) {
	if e.status != nil {
		e.status.SetStatus(text)
	}
}

func (e *Engine) setProgress(synced, total int) {
	if ps, ok := e.status.(ProgressSink); ok {
		ps.SetProgress(synced, total)
		return
	}

	e.setStatus(ProgressMessage(synced, total))
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
