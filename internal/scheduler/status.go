package scheduler

import (
	"sync"
	"time"

	"github.com/alexjbarnes/health-sync/internal/syncengine"
)

// Status is a snapshot of the live status line.
type Status struct {
	Message string    `json:"message"`
	Synced  int       `json:"synced"`
	Total   int       `json:"total"`
	Updated time.Time `json:"updated"`
}

// StatusBoard holds the current status. It is the status sink handed to
// every engine the scheduler builds.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
	now    func() time.Time
}

// NewStatusBoard creates a board showing the idle message.
func NewStatusBoard() *StatusBoard {
	b := &StatusBoard{now: time.Now}
	b.status = Status{Message: syncengine.IdleMessage, Updated: b.now()}

	return b
}

// SetStatus replaces the message and clears the progress counts.
func (b *StatusBoard) SetStatus(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.status = Status{Message: text, Updated: b.now()}
}

// SetProgress records progress counts and the matching message.
func (b *StatusBoard) SetProgress(synced, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.status = Status{
		Message: syncengine.ProgressMessage(synced, total),
		Synced:  synced,
		Total:   total,
		Updated: b.now(),
	}
}

// Status returns the current snapshot.
func (b *StatusBoard) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.status
}
