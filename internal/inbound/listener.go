package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/coder/websocket"
)

const (
	// defaultReconnectMin is the first reconnect delay after a dropped
	// or failed connection.
	defaultReconnectMin = 5 * time.Second

	// reconnectMax caps the exponential reconnect backoff.
	reconnectMax = 5 * time.Minute

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// pushReadLimit bounds a single notification. Record lists pushed
	// from the server are batches of JSON documents, never blobs.
	pushReadLimit = 8 * 1024 * 1024
)

// Handler applies a parsed notification.
type Handler interface {
	Apply(ctx context.Context, env Envelope) error
}

// TokenSource yields the current access token.
type TokenSource interface {
	AccessToken() string
}

// wsConn abstracts the WebSocket connection so the read loop can be
// tested without a server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// ListenerConfig holds the dependencies of a Listener.
type ListenerConfig struct {
	URL     string
	Tokens  TokenSource
	Handler Handler

	// ReconnectMin overrides the first reconnect delay.
	ReconnectMin time.Duration
}

// Listener receives change notifications over a WebSocket and hands
// them to a Handler in arrival order.
type Listener struct {
	url          string
	tokens       TokenSource
	handler      Handler
	reconnectMin time.Duration
	logger       *slog.Logger

	dial func(ctx context.Context, url, token string) (wsConn, error)
}

// NewListener creates a Listener.
func NewListener(cfg ListenerConfig, logger *slog.Logger) *Listener {
	minDelay := cfg.ReconnectMin
	if minDelay <= 0 {
		minDelay = defaultReconnectMin
	}

	return &Listener{
		url:          cfg.URL,
		tokens:       cfg.Tokens,
		handler:      cfg.Handler,
		reconnectMin: minDelay,
		logger:       logger,
		dial:         dialWebsocket,
	}
}

func dialWebsocket(ctx context.Context, url, token string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing push endpoint: %w", err)
	}

	return conn, nil
}

// Run connects and processes notifications until ctx is cancelled,
// reconnecting with exponential backoff and jitter. While no access
// token is stored it waits instead of dialing.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.reconnectMin

	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			backoff = l.reconnectMin
		}

		if errors.Is(err, apperrors.ErrNotAuthenticated) {
			l.logger.Debug("push listener waiting for login", slog.Duration("backoff", backoff))
		} else {
			l.logger.Warn("push connection lost, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
		}

		var jitter time.Duration
		if n := int64(backoff) / jitterDivisor; n > 0 {
			jitter = time.Duration(rand.Int64N(n)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
		}

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// session runs one connection. connected reports whether the dial
// succeeded, which resets the backoff.
func (l *Listener) session(ctx context.Context) (bool, error) {
	token := l.tokens.AccessToken()
	if token == "" {
		return false, apperrors.ErrNotAuthenticated
	}

	conn, err := l.dial(ctx, l.url, token)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	conn.SetReadLimit(pushReadLimit)
	l.logger.Info("push listener connected", slog.String("url", l.url))

	return true, l.readLoop(ctx, conn)
}

func (l *Listener) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading notification: %w", err)
		}

		if typ != websocket.MessageText {
			l.logger.Debug("ignoring binary push frame", slog.Int("bytes", len(data)))
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			l.logger.Warn("ignoring malformed notification", slog.String("error", err.Error()))
			continue
		}

		if err := l.handler.Apply(ctx, env); err != nil {
			l.logger.Warn("notification not applied",
				slog.String("op", env.Op),
				slog.String("error", err.Error()),
			)
		}
	}
}
