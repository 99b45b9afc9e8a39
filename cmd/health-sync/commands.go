package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/health-sync/internal/auth"
	apperrors "github.com/alexjbarnes/health-sync/internal/errors"
	"github.com/alexjbarnes/health-sync/internal/models"
	"github.com/alexjbarnes/health-sync/internal/syncengine"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func newLoginCmd() *cobra.Command {
	var username, password, deviceToken string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session tokens",
		Long: `Sign in with a username and password. Missing values fall back to
HEALTH_USERNAME, HEALTH_PASSWORD and PUSH_DEVICE_TOKEN; a missing
password is read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				if username == "" {
					username = a.cfg.Username
				}

				if deviceToken == "" {
					deviceToken = a.cfg.PushDeviceToken
				}

				if password == "" {
					password = a.cfg.Password
				}

				if password == "" {
					p, err := prompt(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
					if err != nil {
						return err
					}

					password = p
				}

				if _, err := a.newSession(a.cfg.SyncConfig(), nil).Login(ctx, username, password, deviceToken); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}

				okColor.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", username)

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVar(&password, "password", "", "account password (prefer stdin)")
	cmd.Flags().StringVar(&deviceToken, "device-token", "", "push device token to register")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(_ context.Context, a *app) error {
				if err := a.newSession(a.cfg.SyncConfig(), nil).Logout(); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")

				return nil
			})
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rotate the session tokens now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				token, err := a.newSession(a.cfg.SyncConfig(), nil).Refresh(ctx)
				if err != nil {
					return fmt.Errorf("refresh failed, run login again: %w", err)
				}

				if token == "" {
					return fmt.Errorf("no refresh token stored, run login first")
				}

				okColor.Fprintln(cmd.OutOrStdout(), "Session refreshed")

				return nil
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	var startFlag, endFlag string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print its progress",
		Long: `Run one sync pass in the foreground. Without --start the configured
window is used and the last sync marker advances. With --start or
--end (RFC 3339 or YYYY-MM-DD) a custom window is uploaded and the
marker is left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var o syncengine.Override

			var err error
			if o.Start, err = parseTimeFlag(startFlag); err != nil {
				return fmt.Errorf("--start: %w", err)
			}

			if o.End, err = parseTimeFlag(endFlag); err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				set := a.build(a.cfg.SyncConfig())

				if remaining, err := set.applier.RetryPendingDeletes(ctx); err == nil && remaining > 0 {
					warnColor.Fprintf(cmd.ErrOrStderr(), "%d remote deletes still pending\n", remaining)
				}

				out := cmd.OutOrStdout()
				summary, err := set.engine.Run(ctx, o, newProgressPrinter(out))

				if errors.Is(err, apperrors.ErrNotAuthenticated) {
					return fmt.Errorf("not logged in, run login first")
				}

				if err != nil {
					return err
				}

				printSummary(out, summary)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&startFlag, "start", "", "custom window start")
	cmd.Flags().StringVar(&endFlag, "end", "", "custom window end")

	return cmd
}

// parseTimeFlag accepts RFC 3339 or a local date. Empty means unset.
func parseTimeFlag(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}

	t, err := time.ParseInLocation(time.DateOnly, v, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", v)
	}

	return t, nil
}

// progressPrinter prints one line per progress event. Events arrive
// from concurrent upload units.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) OnProgress(ev models.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dimColor.Fprintf(p.w, "[%s] ", ev.Time.Format(time.TimeOnly))
	fmt.Fprintf(p.w, "%s ", ev.Category)
	okColor.Fprintf(p.w, "+%d\n", ev.Count)
}

func printSummary(w io.Writer, s *syncengine.Summary) {
	fmt.Fprintf(w, "\n%s sync, %s to %s\n", s.Mode,
		s.Window.Start.Local().Format(time.DateTime),
		s.Window.End.Local().Format(time.DateTime))

	c := okColor
	if s.FailedUnits > 0 {
		c = warnColor
	}

	c.Fprintf(w, "Synced %d of %d records", s.Synced, s.Seen)

	if s.FailedUnits > 0 {
		fmt.Fprintf(w, " (%d failed uploads)", s.FailedUnits)
	}

	fmt.Fprintf(w, " in %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
}

func newStatusCmd() *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, last sync, stored records and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				return printStatus(ctx, cmd.OutOrStdout(), a, runs)
			})
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to show")

	return cmd
}

func printStatus(ctx context.Context, w io.Writer, a *app, runs int) error {
	fmt.Fprintf(w, "API:          %s\n", a.cfg.SyncConfig().APIBase)

	fmt.Fprint(w, "Session:      ")
	switch {
	case a.state.AccessToken() != "":
		okColor.Fprintln(w, "active")
	case a.state.RefreshToken() != "":
		warnColor.Fprintln(w, "expired (refresh token stored)")
	default:
		errColor.Fprintln(w, "signed out")
	}

	fmt.Fprint(w, "Last sync:    ")
	last, ok, err := a.state.LastSync()
	switch {
	case err != nil:
		errColor.Fprintf(w, "unreadable (%v)\n", err)
	case !ok:
		fmt.Fprintln(w, "never")
	default:
		fmt.Fprintln(w, last.Local().Format(time.DateTime))
	}

	pending, err := a.state.PendingDeletes()
	if err != nil {
		return err
	}

	if len(pending) > 0 {
		warnColor.Fprintf(w, "Pending:      %d remote deletes\n", len(pending))
	}

	counts, err := a.records.Count(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\nStored records:\n")

	cats := make([]string, 0, len(counts))
	for cat := range counts {
		cats = append(cats, string(cat))
	}

	sort.Strings(cats)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, cat := range cats {
		detail := ""
		if a.cfg.SyncConfig().IsDetail(models.Category(cat)) {
			detail = "detail"
		}

		fmt.Fprintf(tw, "  %s\t%d\t%s\n", cat, counts[models.Category(cat)], detail)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	history, err := a.state.RecentRuns(runs)
	if err != nil {
		return err
	}

	if len(history) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\nRecent runs:\n")

	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range history {
		result := okColor.Sprintf("%d/%d", r.Synced, r.Seen)
		if r.FailedUnits > 0 {
			result = warnColor.Sprintf("%d/%d, %d failed", r.Synced, r.Seen, r.FailedUnits)
		}

		fmt.Fprintf(tw, "  %s\t%s\t%s\n", r.StartedAt.Local().Format(time.DateTime), r.Mode, result)
	}

	return tw.Flush()
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Load a JSON record list into the local store",
		Long: `Load a JSON array of records, in the same format the server pushes,
into the local record store. Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				n, err := a.build(a.cfg.SyncConfig()).applier.Import(ctx, data)
				if err != nil {
					return fmt.Errorf("import failed: %w", err)
				}

				okColor.Fprintf(cmd.OutOrStdout(), "Imported %d records\n", n)

				return nil
			})
		},
	}
}

func newHashKeyCmd() *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Hash a control API key for CONTROL_API_KEY_HASH",
		Long: `Read a control API key from stdin and print its bcrypt hash. With
--generate a new key is created and printed alongside its hash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var key string

			if generate {
				k, err := auth.GenerateKey()
				if err != nil {
					return err
				}

				key = k
				fmt.Fprintf(cmd.ErrOrStderr(), "API key (shown once): %s\n", key)
			} else {
				k, err := prompt(cmd.InOrStdin(), cmd.ErrOrStderr(), "Enter API key: ")
				if err != nil {
					return err
				}

				key = k
			}

			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}

	cmd.Flags().BoolVar(&generate, "generate", false, "generate a new key")

	return cmd
}

func prompt(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}

		return "", fmt.Errorf("no input")
	}

	return strings.TrimSpace(scanner.Text()), nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}

		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return data, nil
}
