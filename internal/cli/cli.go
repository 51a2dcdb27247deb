// Package cli is the command-line surface of forecast-quota.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"forecast-quota/internal/app"
	"forecast-quota/internal/config"
	"forecast-quota/internal/ingest"
	"forecast-quota/internal/quota"
	"forecast-quota/pkg/logger"
)

const (
	ExitFailure    = 1
	ExitValidation = 2
)

// ExitError carries the process exit status for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func validation(err error) error {
	return &ExitError{Code: ExitValidation, Err: err}
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, config.ErrInvalid) || errors.Is(err, quota.ErrInvalidRetention) || errors.Is(err, quota.ErrUnknownCategory) {
		return ExitValidation
	}
	return ExitFailure
}

type deps struct {
	loadConfig func() (*config.Config, error)
	newLogger  func(cfg *config.Config) (*slog.Logger, io.Closer)
}

func defaultDeps() deps {
	return deps{
		loadConfig: config.Load,
		newLogger: func(cfg *config.Config) (*slog.Logger, io.Closer) {
			return logger.SetupLogger(cfg.Env, cfg.LogFile)
		},
	}
}

// Execute runs the root command and returns the process exit status.
func Execute(version string) int {
	cmd := NewRootCmd(version)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitCode(err)
	}
	return 0
}

func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(version, defaultDeps())
}

// session is what every command but version needs.
type session struct {
	cfg    *config.Config
	log    *slog.Logger
	closer io.Closer
}

func newRootCmd(version string, d deps) *cobra.Command {
	s := &session{}

	root := &cobra.Command{
		Use:           "forecast-quota",
		Short:         "Quota-gated solar forecast fetcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := d.loadConfig()
			if err != nil {
				return validation(err)
			}
			s.cfg = cfg
			s.log, s.closer = d.newLogger(cfg)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if s.closer != nil {
				return s.closer.Close()
			}
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(s, version),
		newFetchCmd(s),
		newStatusCmd(s),
		newPruneCmd(s),
		newMigrateCmd(s),
		newVersionCmd(version),
	)
	return root
}

func (s *session) open(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, s.cfg, s.log)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *session) closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		s.log.Error("failed to close store", "error", err)
	}
}

func newServeCmd(s *session, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled forecast and actuals jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s.log.Info("start forecast-quota", slog.String("version", version), slog.String("store", s.cfg.Store.Driver))

			a, err := s.open(ctx)
			if err != nil {
				return err
			}
			defer s.closeApp(a)

			if err := a.Serve(ctx); err != nil {
				return err
			}
			s.log.Info("forecast-quota stopped")
			return nil
		},
	}
}

func newFetchCmd(s *session) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:       "fetch <forecast|actual>",
		Short:     "Perform one quota-gated API call",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(quota.CategoryForecast), string(quota.CategoryActual)},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := quota.ParseCategory(args[0])
			if err != nil {
				return validation(err)
			}

			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.closeApp(a)

			out, err := a.Fetch(cmd.Context(), c, force)
			if err != nil {
				return validation(err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", out.Status, out.Category, out.Message)
			if out.Status == ingest.StatusFailed {
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("%s call failed", c)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the minimum interval (cap and back-off still apply)")
	return cmd
}

func newStatusCmd(s *session) *cobra.Command {
	var (
		events int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's quota usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.closeApp(a)

			st, recent, err := a.Status(cmd.Context(), events)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Status quota.Status  `json:"status"`
					Events []quota.Event `json:"events,omitempty"`
				}{st, recent})
			}
			printStatus(w, st, recent)
			return nil
		},
	}
	cmd.Flags().IntVar(&events, "events", 0, "also print the N most recent quota log entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(w io.Writer, st quota.Status, recent []quota.Event) {
	fmt.Fprintf(w, "day:      %s (resets %s)\n", st.DayKey, st.ResetAt.Format(time.RFC3339))
	fmt.Fprintf(w, "calls:    %d/%d (%d remaining)\n", st.Count, st.DailyCap, st.Remaining)
	if st.BackoffActive {
		fmt.Fprintf(w, "back-off: active until %s\n", st.BackoffUntil.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "back-off: none")
	}
	for _, cs := range st.Categories {
		fmt.Fprintf(w, "%-9s every %s, last attempt %s, last success %s, next eligible %s\n",
			string(cs.Category)+":", cs.MinInterval,
			formatTime(cs.LastAttemptAt), formatTime(cs.LastSuccessAt), formatTime(cs.NextEligibleAt))
	}

	if len(recent) > 0 {
		fmt.Fprintln(w, "\nrecent events:")
	}
	for _, e := range recent {
		line := fmt.Sprintf("  %s  %-19s", e.CreatedAt.Format(time.RFC3339), e.Type)
		if e.Category != "" {
			line += " " + string(e.Category)
		}
		if e.Reason != "" {
			line += " " + string(e.Reason)
		}
		if e.Status != 0 {
			line += fmt.Sprintf(" status=%d", e.Status)
		}
		fmt.Fprintln(w, line)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func newPruneCmd(s *session) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune-logs",
		Short: "Delete quota log entries older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = s.cfg.Quota.LogRetentionDays
			}
			if days < 0 {
				return validation(fmt.Errorf("%w: --days %d", quota.ErrInvalidRetention, days))
			}

			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.closeApp(a)

			deleted, err := a.PruneLogs(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d quota log entries older than %d days\n", deleted, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default QUOTA_LOG_RETENTION_DAYS)")
	return cmd
}

func newMigrateCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening a SQL store applies pending migrations.
			a, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.closeApp(a)

			switch s.cfg.Store.Driver {
			case config.DriverPostgres, config.DriverSQLite:
				fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", s.cfg.Store.Driver)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s store has no schema\n", s.cfg.Store.Driver)
			}
			return nil
		},
	}
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
