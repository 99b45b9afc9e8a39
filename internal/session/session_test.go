package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/health-sync/internal/config"
	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/healthapi"
	"github.com/alexjbarnes/health-sync/internal/models"
	"github.com/alexjbarnes/health-sync/internal/state"
	"github.com/alexjbarnes/health-sync/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type alertRecorder struct {
	titles   []string
	messages []string
}

func (a *alertRecorder) Notify(title, message string) {
	a.titles = append(a.titles, title)
	a.messages = append(a.messages, message)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testState(t *testing.T) *state.State {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newManager(t *testing.T, client TokenClient, st *state.State) (*Manager, *alertRecorder) {
	t.Helper()
	alerts := &alertRecorder{}
	m := NewManager(Config{
		Sync:     config.DefaultSyncConfig("https://hc.example.com"),
		Client:   client,
		Store:    st,
		Notifier: alerts,
	}, discardLogger())
	return m, alerts
}

// --- Login ---

func TestLogin_StoresBothTokens(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := NewMockTokenClient(ctrl)
	st := testState(t)
	m, _ := newManager(t, client, st)

	client.EXPECT().
		Login(gomock.Any(), healthapi.LoginRequest{Username: "ana", Password: "pw", FCMToken: "device-1"}).
		Return(&healthapi.TokenResponse{Token: "acc", Refresh: "ref"}, nil)

	creds, err := m.Login(context.Background(), "ana", "pw", "device-1")
	require.NoError(t, err)
	assert.Equal(t, models.Credentials{AccessToken: "acc", RefreshToken: "ref"}, creds)
	assert.Equal(t, "acc", st.AccessToken())
	assert.Equal(t, "ref", st.RefreshToken())
	assert.True(t, m.Active())
}

func TestLogin_RequiresCredentials(t *testing.T) {
	ctrl := gomock.NewController(t)
	m, _ := newManager(t, NewMockTokenClient(ctrl), testState(t))

	_, err := m.Login(context.Background(), "", "pw", "")
	assert.Error(t, err)
	_, err = m.Login(context.Background(), "ana", "", "")
	assert.Error(t, err)
}

func TestLogin_FailureLeavesStoreUntouched(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := NewMockTokenClient(ctrl)
	st := testState(t)
	require.NoError(t, st.SetCredentials(models.Credentials{AccessToken: "old", RefreshToken: "old-ref"}))
	m, _ := newManager(t, client, st)

	client.EXPECT().Login(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("logging in: %w: bad password", apperrors.ErrAuthRejected))

	_, err := m.Login(context.Background(), "ana", "wrong", "")
	assert.ErrorIs(t, err, apperrors.ErrAuthRejected)
	assert.Equal(t, "old", st.AccessToken())
}

// --- Refresh ---

func TestRefresh_NoRefreshTokenIsNoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	m, alerts := newManager(t, NewMockTokenClient(ctrl), testState(t))

	tok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", tok)
	assert.Empty(t, alerts.titles)
}

func TestRefresh_RotatesPair(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := NewMockTokenClient(ctrl)
	st := testState(t)
	require.NoError(t, st.SetCredentials(models.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
	m, _ := newManager(t, client, st)

	client.EXPECT().Refresh(gomock.Any(), "r1").Return(&healthapi.TokenResponse{Token: "a2", Refresh: "r2"}, nil)

	tok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", tok)
	assert.Equal(t, "a2", st.AccessToken())
	assert.Equal(t, "r2", st.RefreshToken())
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := NewMockTokenClient(ctrl)
	st := testState(t)
	require.NoError(t, st.SetCredentials(models.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
	m, _ := newManager(t, client, st)

	client.EXPECT().Refresh(gomock.Any(), "r1").Return(&healthapi.TokenResponse{Token: "a2"}, nil)

	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r1", st.RefreshToken())
}

func TestRefresh_FailureInvalidatesSession(t *testing.T) {
	for name, cause := range map[string]error{
		"rejected":  fmt.Errorf("refreshing token: %w: expired", apperrors.ErrAuthRejected),
		"transport": &healthapi.TransientError{Err: fmt.Errorf("sending: %w", apperrors.ErrTransport)},
	} {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			client := NewMockTokenClient(ctrl)
			st := testState(t)
			require.NoError(t, st.SetCredentials(models.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
			m, alerts := newManager(t, client, st)

			client.EXPECT().Refresh(gomock.Any(), "r1").Return(nil, cause)

			tok, err := m.Refresh(context.Background())
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, "", tok)
			assert.Equal(t, "", st.AccessToken())
			assert.False(t, m.Active())
			assert.Equal(t, []string{"Session expired"}, alerts.titles)
		})
	}
}

func TestRefresh_CallerCancelDoesNotDropRotatedPair(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := NewMockTokenClient(ctrl)
	st := testState(t)
	require.NoError(t, st.SetCredentials(models.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
	m, alerts := newManager(t, client, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.EXPECT().Refresh(gomock.Any(), "r1").DoAndReturn(
		func(reqCtx context.Context, _ string) (*healthapi.TokenResponse, error) {
			cancel()
			assert.NoError(t, reqCtx.Err())
			return &healthapi.TokenResponse{Token: "a2", Refresh: "r2"}, nil
		})

	tok, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", tok)
	assert.Equal(t, "a2", st.AccessToken())
	assert.Equal(t, "r2", st.RefreshToken())
	assert.Empty(t, alerts.titles)
}

func TestRefresh_InFlightRequestSurvivesCancel(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/refresh", r.URL.Path)
		close(arrived)
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": "new", "refresh": "r2"})
	}))
	defer srv.Close()

	st := testState(t)
	require.NoError(t, st.SetCredentials(models.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
	m, alerts := newManager(t, healthapi.NewClient(srv.URL, srv.Client()), st)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-arrived
		cancel()
		close(release)
	}()

	tok, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", tok)
	assert.Equal(t, "new", st.AccessToken())
	assert.Equal(t, "r2", st.RefreshToken())
	assert.Empty(t, alerts.titles)
}

// --- Logout ---

func TestLogout_DeletesAccessTokenOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := testState(t)
	require.NoError(t, st.SetCredentials(models.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
	m, _ := newManager(t, NewMockTokenClient(ctrl), st)

	require.NoError(t, m.Logout())
	assert.False(t, m.Active())
	assert.Equal(t, "r1", st.RefreshToken())
}

// --- Refresh rejection ends sync ---

type emptySource struct{}

func (emptySource) Ping(context.Context) error { return nil }

func (emptySource) Read(context.Context, models.Category, time.Time, time.Time) ([]models.Record, error) {
	return nil, nil
}

func (emptySource) ReadOne(context.Context, models.Category, string) (models.Record, error) {
	return models.Record{}, apperrors.ErrRecordNotFound
}

func TestRefreshRejected_ThenSyncNotAuthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/refresh", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"error": "refresh token revoked"})
	}))
	defer srv.Close()

	client := healthapi.NewClient(srv.URL, srv.Client())
	st := testState(t)
	require.NoError(t, st.SetCredentials(models.Credentials{AccessToken: "a1", RefreshToken: "r1"}))
	m, alerts := newManager(t, client, st)

	_, err := m.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrAuthRejected)
	assert.Len(t, alerts.titles, 1)

	engine := syncengine.New(syncengine.Config{
		Sync:   config.DefaultSyncConfig(srv.URL),
		Source: emptySource{},
		Client: client,
		State:  st,
	}, discardLogger())

	_, err = engine.Run(context.Background(), syncengine.Override{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotAuthenticated)

	_, ok, err := st.LastSync()
	require.NoError(t, err)
	assert.False(t, ok)
}
