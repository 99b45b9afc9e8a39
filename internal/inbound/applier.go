// Package inbound applies remote change notifications to the local
// record store. Pushes insert records; deletes remove them locally and
// then mirror the removal to the server. Re-applying a notification is
// harmless because inserts replace by id and deleting absent ids is a
// no-op.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/models"
	"github.com/alexjbarnes/health-sync/internal/records"
	"github.com/tidwall/gjson"
)

// maxDeleteAttempts is how many times a queued remote delete is tried
// before it is abandoned with an alert.
const maxDeleteAttempts = 10

// RecordWriter is the local store side of the applier.
type RecordWriter interface {
	Insert(ctx context.Context, recs []models.Record) ([]string, error)
	Delete(ctx context.Context, category models.Category, ids []string) error
}

// RemoteDeleter mirrors local deletions to the server.
type RemoteDeleter interface {
	Delete(ctx context.Context, category models.Category, ids []string, token string) error
}

// PendingStore holds the access token and the queue of remote deletes
// that have not reached the server yet.
type PendingStore interface {
	AccessToken() string
	QueuePendingDelete(pd models.PendingDelete) (uint64, error)
	UpdatePendingDelete(id uint64, pd models.PendingDelete) error
	RemovePendingDelete(id uint64) error
	PendingDeletes() (map[uint64]models.PendingDelete, error)
}

// Notifier raises user-visible alerts.
type Notifier interface {
	Notify(title, message string)
}

// Config holds the dependencies of an Applier.
type Config struct {
	Records  RecordWriter
	Remote   RemoteDeleter
	State    PendingStore
	Notifier Notifier
}

// Applier applies change notifications.
type Applier struct {
	records  RecordWriter
	remote   RemoteDeleter
	state    PendingStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewApplier creates an Applier.
func NewApplier(cfg Config, logger *slog.Logger) *Applier {
	return &Applier{
		records:  cfg.Records,
		remote:   cfg.Remote,
		state:    cfg.State,
		notifier: cfg.Notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply dispatches env by operation.
func (a *Applier) Apply(ctx context.Context, env Envelope) error {
	switch env.Op {
	case OpPush:
		return a.ApplyPush(ctx, []byte(env.Data))
	case OpDelete:
		return a.ApplyDelete(ctx, []byte(env.Data))
	default:
		return fmt.Errorf("%w: unknown op %q", apperrors.ErrInvalidEnvelope, env.Op)
	}
}

// ApplyPush inserts a pushed record list. Decode and insert failures
// raise an alert naming the category of the first record.
func (a *Applier) ApplyPush(ctx context.Context, data []byte) error {
	recs, err := records.Decode(data)
	if err != nil {
		a.alert("Push failed for "+fieldOrUnknown(data, "0.recordType"), err)
		return fmt.Errorf("decoding push: %w", err)
	}

	if len(recs) == 0 {
		return nil
	}

	ids, err := a.records.Insert(ctx, recs)
	if err != nil {
		a.alert("Push failed for "+string(recs[0].Category), err)
		return fmt.Errorf("applying push: %w", err)
	}

	a.logger.Info("push applied",
		slog.Int("records", len(ids)),
		slog.String("category", string(recs[0].Category)),
	)

	return nil
}

// deleteRequest is the DEL document.
type deleteRequest struct {
	category models.Category
	ids      []string
}

func parseDelete(data []byte) (deleteRequest, error) {
	if !gjson.ValidBytes(data) {
		return deleteRequest{}, fmt.Errorf("%w: delete is not valid JSON", apperrors.ErrInvalidEnvelope)
	}

	name := gjson.GetBytes(data, "recordType").String()

	cat, ok := models.ParseCategory(name)
	if !ok {
		return deleteRequest{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownCategory, name)
	}

	uuids := gjson.GetBytes(data, "uuids")
	if !uuids.IsArray() {
		return deleteRequest{}, fmt.Errorf("%w: uuids is not a list", apperrors.ErrInvalidEnvelope)
	}

	req := deleteRequest{category: cat}

	for _, id := range uuids.Array() {
		if id.Type != gjson.String || id.Str == "" {
			return deleteRequest{}, fmt.Errorf("%w: uuids must be non-empty strings", apperrors.ErrInvalidEnvelope)
		}

		req.ids = append(req.ids, id.Str)
	}

	return req, nil
}

// ApplyDelete removes records locally, then issues the matching remote
// delete. When the local delete fails the remote one is skipped so the
// server keeps its copy. When the remote delete fails, or no session is
// active, it is queued and retried by RetryPendingDeletes.
func (a *Applier) ApplyDelete(ctx context.Context, data []byte) error {
	req, err := parseDelete(data)
	if err != nil {
		a.alert("Delete failed for "+fieldOrUnknown(data, "recordType"), err)
		return fmt.Errorf("decoding delete: %w", err)
	}

	if len(req.ids) == 0 {
		return nil
	}

	if err := a.records.Delete(ctx, req.category, req.ids); err != nil {
		a.alert("Delete failed for "+string(req.category), err)
		return fmt.Errorf("applying delete: %w", err)
	}

	a.logger.Info("delete applied",
		slog.String("category", string(req.category)),
		slog.Int("records", len(req.ids)),
	)

	if err := a.deleteRemote(ctx, req.category, req.ids); err != nil {
		a.logger.Warn("remote delete failed, queued for retry",
			slog.String("category", string(req.category)),
			slog.String("error", err.Error()),
		)

		if _, qerr := a.state.QueuePendingDelete(models.PendingDelete{
			Category: req.category,
			IDs:      req.ids,
			QueuedAt: a.now(),
			Attempts: 1,
		}); qerr != nil {
			return fmt.Errorf("queueing remote delete: %w", qerr)
		}
	}

	return nil
}

func (a *Applier) deleteRemote(ctx context.Context, cat models.Category, ids []string) error {
	token := a.state.AccessToken()
	if token == "" {
		return apperrors.ErrNotAuthenticated
	}

	return a.remote.Delete(ctx, cat, ids, token)
}

// RetryPendingDeletes sends queued remote deletes, oldest first. It
// stops early when there is no session or the server rejects the
// token. It returns how many deletes remain queued.
func (a *Applier) RetryPendingDeletes(ctx context.Context) (int, error) {
	pending, err := a.state.PendingDeletes()
	if err != nil {
		return 0, fmt.Errorf("listing pending deletes: %w", err)
	}

	keys := make([]uint64, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	remaining := len(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			return remaining, ctx.Err()
		}

		pd := pending[key]

		err := a.deleteRemote(ctx, pd.Category, pd.IDs)
		if err == nil {
			if err := a.state.RemovePendingDelete(key); err != nil {
				return remaining, fmt.Errorf("removing pending delete: %w", err)
			}

			remaining--

			continue
		}

		if errors.Is(err, apperrors.ErrNotAuthenticated) || errors.Is(err, apperrors.ErrAuthRejected) {
			a.logger.Debug("pausing pending deletes until signed in", slog.Int("pending", remaining))
			return remaining, nil
		}

		pd.Attempts++
		if pd.Attempts >= maxDeleteAttempts {
			a.alert("Delete sync abandoned for "+string(pd.Category), err)

			if err := a.state.RemovePendingDelete(key); err != nil {
				return remaining, fmt.Errorf("removing pending delete: %w", err)
			}

			remaining--

			continue
		}

		if err := a.state.UpdatePendingDelete(key, pd); err != nil {
			return remaining, fmt.Errorf("updating pending delete: %w", err)
		}
	}

	return remaining, nil
}

// Import decodes a record list and inserts it without alerting. It
// returns the number of records stored.
func (a *Applier) Import(ctx context.Context, data []byte) (int, error) {
	recs, err := records.Decode(data)
	if err != nil {
		return 0, err
	}

	if len(recs) == 0 {
		return 0, nil
	}

	ids, err := a.records.Insert(ctx, recs)
	if err != nil {
		return 0, err
	}

	return len(ids), nil
}

func (a *Applier) alert(title string, err error) {
	a.logger.Error(title, slog.String("error", err.Error()))

	if a.notifier != nil {
		a.notifier.Notify(title, "Error: "+err.Error())
	}
}

func fieldOrUnknown(data []byte, path string) string {
	name := gjson.GetBytes(data, path).String()
	if name == "" {
		return "unknown"
	}

	return name
}
