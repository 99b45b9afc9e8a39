// Package notify delivers user-visible alerts. The daemon has no UI, so
// an alert is a prominent log line plus, when attached to a terminal, a
// highlighted message on stderr.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Notifier announces something the user has to act on or know about.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(title, message string)
}

// Log writes alerts to a structured logger at warn level.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Notifier that logs alerts.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Notify logs the alert.
func (l *Log) Notify(title, message string) {
	l.logger.Warn("alert",
		slog.String("title", title),
		slog.String("message", message),
	)
}

// Terminal writes coloured alerts to w.
type Terminal struct {
	mu    sync.Mutex
	w     io.Writer
	title *color.Color
	now   func() time.Time
}

// NewTerminal returns a Notifier printing to w. Colour is disabled
// automatically when w is not a terminal or NO_COLOR is set.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{
		w:     w,
		title: color.New(color.FgRed, color.Bold),
		now:   time.Now,
	}
}

// Notify prints the alert as "[15:04:05] title: message".
func (t *Terminal) Notify(title, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.w, "[%s] ", t.now().Format("15:04:05"))
	t.title.Fprint(t.w, title)
	fmt.Fprintf(t.w, ": %s\n", message)
}

// Multi fans an alert out to several notifiers.
type Multi []Notifier

// Notify forwards to every non-nil notifier.
func (m Multi) Notify(title, message string) {
	for _, n := range m {
		if n != nil {
			n.Notify(title, message)
		}
	}
}

// Discard drops every alert.
type Discard struct{}

// Notify does nothing.
func (Discard) Notify(string, string) {}
