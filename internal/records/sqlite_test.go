package records

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(cat models.Category, id string, start time.Time) models.Record {
	return models.Record{
		ID:       id,
		Category: cat,
		Start:    start,
		End:      start.Add(time.Minute),
		Payload:  json.RawMessage(`{"metadata":{"id":"` + id + `"}}`),
	}
}

var day = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func TestOpenSQLite_CreatesParentDir(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "dir", "records.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestReadWindow_InclusiveAndOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []models.Record{
		rec(models.Steps, "late", day.Add(2*time.Hour)),
		rec(models.Steps, "edge-start", day),
		rec(models.Steps, "edge-end", day.Add(3*time.Hour)),
		rec(models.Steps, "outside", day.Add(-time.Millisecond)),
		rec(models.Weight, "other-cat", day.Add(time.Hour)),
	})
	require.NoError(t, err)

	got, err := s.Read(ctx, models.Steps, day, day.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "edge-start", got[0].ID)
	assert.Equal(t, "late", got[1].ID)
	assert.Equal(t, "edge-end", got[2].ID)
	assert.Equal(t, models.Steps, got[0].Category)
	assert.True(t, day.Equal(got[0].Start))
}

func TestRead_EmptyCategory(t *testing.T) {
	s := testStore(t)
	got, err := s.Read(context.Background(), models.Vo2Max, day, day.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadOne_ReturnsPayload(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, []models.Record{rec(models.HeartRate, "hr-1", day)})
	require.NoError(t, err)

	got, err := s.ReadOne(ctx, models.HeartRate, "hr-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"metadata":{"id":"hr-1"}}`, string(got.Payload))
	assert.True(t, day.Add(time.Minute).Equal(got.End))
}

func TestReadOne_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.ReadOne(context.Background(), models.HeartRate, "missing")
	assert.ErrorIs(t, err, apperrors.ErrRecordNotFound)
}

func TestInsert_ReplacesSameID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, []models.Record{rec(models.Steps, "a", day)})
	require.NoError(t, err)

	updated := rec(models.Steps, "a", day)
	updated.Payload = json.RawMessage(`{"count":42}`)
	_, err = s.Insert(ctx, []models.Record{updated})
	require.NoError(t, err)

	got, err := s.Read(ctx, models.Steps, day, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"count":42}`, string(got[0].Payload))
}

func TestInsert_ReturnsIDsInOrder(t *testing.T) {
	s := testStore(t)
	ids, err := s.Insert(context.Background(), []models.Record{
		rec(models.Steps, "x", day),
		rec(models.Steps, "y", day),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids)
}

func TestInsert_RejectsMissingID(t *testing.T) {
	s := testStore(t)
	_, err := s.Insert(context.Background(), []models.Record{rec(models.Steps, "", day)})
	assert.ErrorIs(t, err, apperrors.ErrLocalStore)
}

func TestDelete_AbsentIDsAreNoop(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, []models.Record{rec(models.Steps, "keep", day), rec(models.Steps, "drop", day)})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, models.Steps, []string{"drop", "never-existed"}))
	require.NoError(t, s.Delete(ctx, models.Steps, []string{"drop"}))

	got, err := s.Read(ctx, models.Steps, day, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].ID)
}

func TestDelete_ScopedToCategory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, []models.Record{rec(models.Steps, "same", day), rec(models.Weight, "same", day)})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, models.Steps, []string{"same"}))

	_, err = s.ReadOne(ctx, models.Weight, "same")
	assert.NoError(t, err)
}

func TestCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, []models.Record{
		rec(models.Steps, "a", day),
		rec(models.Steps, "b", day),
		rec(models.Weight, "c", day),
	})
	require.NoError(t, err)

	counts, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.Steps])
	assert.Equal(t, 1, counts[models.Weight])
}

func TestClosedStore_PingFails(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(context.Background()), apperrors.ErrLocalStore)
}
