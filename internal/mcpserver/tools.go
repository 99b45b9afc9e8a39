// Package mcpserver registers MCP tools that control the sync daemon.
// It adapts the scheduler, status board and inbound applier to the MCP
// SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/health-sync/internal/inbound"
	"github.com/alexjbarnes/health-sync/internal/models"
	"github.com/alexjbarnes/health-sync/internal/scheduler"
	"github.com/alexjbarnes/health-sync/internal/syncengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// defaultRunHistory is how many past runs sync_status reports.
	defaultRunHistory = 5

	// progressBuffer is how many progress events sync_now holds before
	// dropping. A detail category uploads one event per record.
	progressBuffer = 1024
)

// Controller runs manual syncs and refreshes.
type Controller interface {
	SyncNow(ctx context.Context, o syncengine.Override, obs syncengine.Observer) (*syncengine.Summary, error)
	RefreshNow(ctx context.Context) (string, error)
	State() scheduler.State
	Running() bool
}

// SessionControl signs in and out. Implementations move the scheduler
// along with the stored session.
type SessionControl interface {
	Login(ctx context.Context, username, password, deviceToken string) error
	Logout() error
}

// StatusSource exposes the live status line.
type StatusSource interface {
	Status() scheduler.Status
}

// History exposes the last sync marker and recent runs.
type History interface {
	LastSync() (time.Time, bool, error)
	RecentRuns(n int) ([]models.RunRecord, error)
}

// ChangeApplier applies a change notification.
type ChangeApplier interface {
	Apply(ctx context.Context, env inbound.Envelope) error
}

// Deps holds what the tools operate on.
type Deps struct {
	Scheduler Controller
	Sessions  SessionControl
	Status    StatusSource
	History   History
	Applier   ChangeApplier
}

// RegisterTools adds all control tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a sync pass immediately and wait for it to finish. Optional start and end (RFC 3339) select a custom window and leave the last sync marker untouched. Returns the run summary and every progress event.",
	}, syncNowHandler(d.Scheduler))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the scheduler state, the live status message, the last sync time and recent run history.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "refresh_token",
		Description: "Rotate the session tokens now. A failure ends the session and the daemon stays idle until the login tool is called.",
	}, refreshHandler(d.Scheduler))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "login",
		Description: "Sign in and resume background syncing. Omitted fields fall back to the daemon's configured credentials.",
	}, loginHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "logout",
		Description: "Delete the stored access token and stop background syncing. The refresh token is kept.",
	}, logoutHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_change",
		Description: "Apply a change notification as if it had been pushed by the server. op is PUSH (data is a JSON record list) or DEL (data is {\"recordType\", \"uuids\"}).",
	}, applyHandler(d.Applier))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SyncNowInput holds parameters for sync_now.
type SyncNowInput struct {
	Start string `json:"start,omitempty" jsonschema:"window start as RFC 3339, defaults to the configured window"`
	End   string `json:"end,omitempty" jsonschema:"window end as RFC 3339, defaults to now"`
}

// StatusInput holds parameters for sync_status.
type StatusInput struct {
	Runs int `json:"runs,omitempty" jsonschema:"number of recent runs to include, defaults to 5"`
}

// RefreshInput has no parameters.
type RefreshInput struct{}

// LoginInput holds parameters for login.
type LoginInput struct {
	Username    string `json:"username,omitempty" jsonschema:"account username, defaults to HEALTH_USERNAME"`
	Password    string `json:"password,omitempty" jsonschema:"account password, defaults to HEALTH_PASSWORD"`
	DeviceToken string `json:"device_token,omitempty" jsonschema:"push device token to register, defaults to PUSH_DEVICE_TOKEN"`
}

// LogoutInput has no parameters.
type LogoutInput struct{}

// ApplyInput holds parameters for apply_change.
type ApplyInput struct {
	Op   string `json:"op" jsonschema:"required,PUSH or DEL"`
	Data string `json:"data" jsonschema:"required,JSON document for the operation"`
}

// --- Results ---
// Times are RFC 3339 strings so the inferred output schemas stay plain.

// EventResult is one progress event.
type EventResult struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Time     string `json:"time"`
}

// SyncNowResult is the outcome of sync_now.
type SyncNowResult struct {
	Mode        string                      `json:"mode"`
	WindowStart string                      `json:"window_start"`
	WindowEnd   string                      `json:"window_end"`
	Seen        int                         `json:"seen"`
	Synced      int                         `json:"synced"`
	FailedUnits int                         `json:"failed_units"`
	Categories  []syncengine.CategoryResult `json:"categories"`
	Events      []EventResult               `json:"events"`

	// DroppedEvents counts progress events that did not fit the buffer.
	DroppedEvents int64 `json:"dropped_events,omitempty"`
}

// RunResult is one past run.
type RunResult struct {
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	Mode        string `json:"mode"`
	Seen        int    `json:"seen"`
	Synced      int    `json:"synced"`
	FailedUnits int    `json:"failed_units"`
}

// StatusResult is the outcome of sync_status.
type StatusResult struct {
	State     string      `json:"state"`
	Running   bool        `json:"running"`
	Message   string      `json:"message"`
	Synced    int         `json:"synced"`
	Total     int         `json:"total"`
	UpdatedAt string      `json:"updated_at"`
	LastSync  string      `json:"last_sync,omitempty"`
	Runs      []RunResult `json:"runs"`
}

// RefreshResult is the outcome of refresh_token. The token itself is
// never returned.
type RefreshResult struct {
	Refreshed bool   `json:"refreshed"`
	State     string `json:"state"`
}

// SessionResult is the outcome of login and logout. No token is
// returned.
type SessionResult struct {
	LoggedIn bool   `json:"logged_in"`
	State    string `json:"state"`
}

// ApplyResult is the outcome of apply_change.
type ApplyResult struct {
	Applied bool   `json:"applied"`
	Op      string `json:"op"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// --- Handlers ---

func parseOverride(input SyncNowInput) (syncengine.Override, error) {
	var o syncengine.Override

	if input.Start != "" {
		t, err := time.Parse(time.RFC3339, input.Start)
		if err != nil {
			return o, fmt.Errorf("invalid start: %w", err)
		}

		o.Start = t
	}

	if input.End != "" {
		t, err := time.Parse(time.RFC3339, input.End)
		if err != nil {
			return o, fmt.Errorf("invalid end: %w", err)
		}

		o.End = t
	}

	return o, nil
}

// collect drains obs until it is closed and delivers the events.
func collect(obs *syncengine.ChannelObserver) <-chan []models.ProgressEvent {
	out := make(chan []models.ProgressEvent, 1)

	go func() {
		var events []models.ProgressEvent
		for ev := range obs.Events() {
			events = append(events, ev)
		}

		out <- events
	}()

	return out
}

func syncNowHandler(c Controller) mcp.ToolHandlerFor[SyncNowInput, *SyncNowResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SyncNowInput) (*mcp.CallToolResult, *SyncNowResult, error) {
		o, err := parseOverride(input)
		if err != nil {
			return nil, nil, err
		}

		obs := syncengine.NewChannelObserver(progressBuffer)
		collected := collect(obs)

		summary, err := c.SyncNow(ctx, o, obs)
		obs.Close()

		events := <-collected

		if err != nil {
			return nil, nil, err
		}

		result := &SyncNowResult{
			Mode:        summary.Mode,
			WindowStart: formatTime(summary.Window.Start),
			WindowEnd:   formatTime(summary.Window.End),
			Seen:        summary.Seen,
			Synced:      summary.Synced,
			FailedUnits: summary.FailedUnits,
			Categories:  append([]syncengine.CategoryResult{}, summary.Categories...),
			Events:      []EventResult{},

			DroppedEvents: obs.Dropped(),
		}

		for _, ev := range events {
			result.Events = append(result.Events, EventResult{
				Category: string(ev.Category),
				Count:    ev.Count,
				Time:     formatTime(ev.Time),
			})
		}

		return textResult(result), result, nil
	}
}

func statusHandler(d Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		n := input.Runs
		if n <= 0 {
			n = defaultRunHistory
		}

		runs, err := d.History.RecentRuns(n)
		if err != nil {
			return nil, nil, err
		}

		st := d.Status.Status()

		result := &StatusResult{
			State:     d.Scheduler.State().String(),
			Running:   d.Scheduler.Running(),
			Message:   st.Message,
			Synced:    st.Synced,
			Total:     st.Total,
			UpdatedAt: formatTime(st.Updated),
			Runs:      []RunResult{},
		}

		for _, r := range runs {
			result.Runs = append(result.Runs, RunResult{
				StartedAt:   formatTime(r.StartedAt),
				FinishedAt:  formatTime(r.FinishedAt),
				Mode:        r.Mode,
				Seen:        r.Seen,
				Synced:      r.Synced,
				FailedUnits: r.FailedUnits,
			})
		}

		last, ok, err := d.History.LastSync()
		if err != nil {
			return nil, nil, err
		}

		if ok {
			result.LastSync = formatTime(last)
		}

		return textResult(result), result, nil
	}
}

func refreshHandler(c Controller) mcp.ToolHandlerFor[RefreshInput, *RefreshResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ RefreshInput) (*mcp.CallToolResult, *RefreshResult, error) {
		if _, err := c.RefreshNow(ctx); err != nil {
			return nil, nil, err
		}

		result := &RefreshResult{Refreshed: true, State: c.State().String()}
		return textResult(result), result, nil
	}
}

func loginHandler(d Deps) mcp.ToolHandlerFor[LoginInput, *SessionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LoginInput) (*mcp.CallToolResult, *SessionResult, error) {
		if err := d.Sessions.Login(ctx, input.Username, input.Password, input.DeviceToken); err != nil {
			return nil, nil, err
		}

		result := &SessionResult{LoggedIn: true, State: d.Scheduler.State().String()}
		return textResult(result), result, nil
	}
}

func logoutHandler(d Deps) mcp.ToolHandlerFor[LogoutInput, *SessionResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ LogoutInput) (*mcp.CallToolResult, *SessionResult, error) {
		if err := d.Sessions.Logout(); err != nil {
			return nil, nil, err
		}

		result := &SessionResult{LoggedIn: false, State: d.Scheduler.State().String()}
		return textResult(result), result, nil
	}
}

func applyHandler(a ChangeApplier) mcp.ToolHandlerFor[ApplyInput, *ApplyResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ApplyInput) (*mcp.CallToolResult, *ApplyResult, error) {
		if err := a.Apply(ctx, inbound.Envelope{Op: input.Op, Data: input.Data}); err != nil {
			return nil, nil, err
		}

		result := &ApplyResult{Applied: true, Op: input.Op}
		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
