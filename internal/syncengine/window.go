package syncengine

import (
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
)

// LookbackDays is how far back a full sync, or an incremental sync with
// no previous marker, reaches.
const LookbackDays = 29

// Run modes recorded in summaries.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
	ModeCustom      = "custom"
)

// Window is the inclusive time range a sync run reads.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Override lets a caller pin either edge of the window. Zero values
// mean "use the default".
type Override struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether neither edge is overridden.
func (o Override) IsZero() bool {
	return o.Start.IsZero() && o.End.IsZero()
}

// ResolveWindow computes the window for a run starting at now.
//
// The end is o.End or now. The start is o.Start when given; otherwise
// now minus LookbackDays in full mode, otherwise the last sync marker,
// otherwise now minus LookbackDays. A derived start later than the end
// is clamped to the end; an explicit one is rejected.
func ResolveWindow(now time.Time, o Override, fullMode bool, lastSync time.Time, hasLastSync bool) (Window, string, error) {
	end := now
	if !o.End.IsZero() {
		end = o.End
	}

	if !o.Start.IsZero() {
		if o.Start.After(end) {
			return Window{}, "", fmt.Errorf("%w: start %s is after end %s", apperrors.ErrInvalidWindow,
				o.Start.Format(time.RFC3339), end.Format(time.RFC3339))
		}

		return Window{Start: o.Start, End: end}, ModeCustom, nil
	}

	mode := ModeFull
	start := now.AddDate(0, 0, -LookbackDays)

	if !fullMode {
		mode = ModeIncremental

		if hasLastSync {
			start = lastSync
		}
	}

	if !o.End.IsZero() {
		mode = ModeCustom
	}

	if start.After(end) {
		start = end
	}

	return Window{Start: start, End: end}, mode, nil
}
