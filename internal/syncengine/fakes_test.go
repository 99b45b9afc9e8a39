package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/health-sync/internal/config"
	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeState is an in-memory StateStore.
type fakeState struct {
	mu          sync.Mutex
	token       string
	lastSync    time.Time
	hasLastSync bool
	lastSyncErr error
	setCalls    []time.Time
	runs        []models.RunRecord
}

func (f *fakeState) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeState) setToken(tok string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = tok
}

func (f *fakeState) LastSync() (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSync, f.hasLastSync, f.lastSyncErr
}

func (f *fakeState) SetLastSync(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSync = t
	f.hasLastSync = true
	f.setCalls = append(f.setCalls, t)
	return nil
}

func (f *fakeState) AppendRun(run models.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeState) markerWrites() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.setCalls...)
}

// fakeStatus records every status text.
type fakeStatus struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeStatus) SetStatus(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeStatus) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// progressStatus also records progress counts.
type progressStatus struct {
	fakeStatus
	progress [][2]int
}

func (p *progressStatus) SetProgress(synced, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, [2]int{synced, total})
}

// fakeSource serves fixed records per category.
type fakeSource struct {
	records map[models.Category][]models.Record
	readErr map[models.Category]error
}

func (f *fakeSource) Ping(context.Context) error { return nil }

func (f *fakeSource) Read(_ context.Context, cat models.Category, _, _ time.Time) ([]models.Record, error) {
	if err := f.readErr[cat]; err != nil {
		return nil, err
	}
	return f.records[cat], nil
}

func (f *fakeSource) ReadOne(_ context.Context, cat models.Category, id string) (models.Record, error) {
	for _, r := range f.records[cat] {
		if r.ID == id {
			r.Payload = json.RawMessage(fmt.Sprintf(`{"metadata":{"id":%q},"detail":true}`, id))
			return r, nil
		}
	}
	return models.Record{}, apperrors.ErrRecordNotFound
}

// uploadCall is one call seen by fakeUploader.
type uploadCall struct {
	category models.Category
	ids      []string
	token    string
	at       time.Time
}

// fakeUploader records calls and fails the configured ids or categories.
type fakeUploader struct {
	mu       sync.Mutex
	calls    []uploadCall
	failCat  map[models.Category]error
	failID   map[string]error
	duration time.Duration
}

func (f *fakeUploader) record(call uploadCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeUploader) UploadBatch(_ context.Context, cat models.Category, recs []models.Record, token string) error {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	f.record(uploadCall{category: cat, ids: ids, token: token, at: time.Now()})
	if f.duration > 0 {
		time.Sleep(f.duration)
	}
	return f.failCat[cat]
}

func (f *fakeUploader) UploadOne(_ context.Context, cat models.Category, rec models.Record, token string) error {
	f.record(uploadCall{category: cat, ids: []string{rec.ID}, token: token, at: time.Now()})
	if f.duration > 0 {
		time.Sleep(f.duration)
	}
	if err := f.failID[rec.ID]; err != nil {
		return err
	}
	return f.failCat[cat]
}

func (f *fakeUploader) allCalls() []uploadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.calls...)
}

// eventLog is a concurrency-safe observer that keeps every event.
type eventLog struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (l *eventLog) OnProgress(ev models.ProgressEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []models.ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ProgressEvent(nil), l.events...)
}

func makeRecords(cat models.Category, n int, start time.Time) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		id := fmt.Sprintf("%s-%d", cat, i)
		out[i] = models.Record{
			ID:       id,
			Category: cat,
			Start:    start.Add(time.Duration(i) * time.Minute),
			End:      start.Add(time.Duration(i)*time.Minute + time.Second),
			Payload:  json.RawMessage(fmt.Sprintf(`{"metadata":{"id":%q}}`, id)),
		}
	}
	return out
}

func testSyncConfig() config.SyncConfig {
	return config.DefaultSyncConfig("https://hc.example.com")
}
