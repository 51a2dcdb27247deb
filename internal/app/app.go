// Package app wires application components together and manages lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forecast-quota/internal/config"
	"forecast-quota/internal/forecast"
	"forecast-quota/internal/ingest"
	"forecast-quota/internal/quota"
	"forecast-quota/internal/scheduler"
	"forecast-quota/internal/sender"
	"forecast-quota/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// App holds initialized dependencies.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	store   storage.Backend
	manager *quota.Manager
	runner  *ingest.Runner
	now     func() time.Time
}

// New opens the configured backend and builds the quota manager and runner.
// The Telegram notifier is only contacted when it is configured; if it cannot
// be reached notifications go to the log.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	log.Debug("quota store opened", "driver", cfg.Store.Driver)

	manager := quota.NewManager(store, store, limits, quota.WithLogger(log))

	client := forecast.NewClient(cfg.API.URL, cfg.API.Key, cfg.API.SiteID, cfg.API.Timeout.Std())
	runner := ingest.NewRunner(manager, client.Executors(),
		ingest.WithLogger(log),
		ingest.WithNotifier(newNotifier(cfg.Telegram, log)),
		ingest.WithHandler(summaryHandler(log)),
	)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		manager: manager,
		runner:  runner,
		now:     time.Now,
	}, nil
}

func newNotifier(cfg config.Telegram, log *slog.Logger) sender.Sender {
	if !cfg.Enabled() {
		return sender.NewLogSender(log)
	}
	tg, err := sender.NewTelegramSender(cfg)
	if err != nil {
		log.Warn("telegram notifier unavailable, notifications go to the log", "error", err)
		return sender.NewLogSender(log)
	}
	return tg
}

// summaryHandler logs the headline numbers of a fetched series.
func summaryHandler(log *slog.Logger) ingest.Handler {
	return ingest.HandlerFunc(func(_ context.Context, res forecast.Result) error {
		if len(res.Periods) == 0 {
			log.Debug("no periods returned", "category", string(res.Category))
			return nil
		}
		var peak forecast.Period
		var energy float64
		for _, p := range res.Periods {
			if p.PVEstimate > peak.PVEstimate {
				peak = p
			}
			energy += p.PVEstimate * p.Period.Hours()
		}
		log.Info("series received",
			"category", string(res.Category),
			"periods", len(res.Periods),
			"first_period_end", res.Periods[0].PeriodEnd,
			"last_period_end", res.Periods[len(res.Periods)-1].PeriodEnd,
			"peak_kw", peak.PVEstimate,
			"peak_at", peak.PeriodEnd,
			"energy_kwh", energy,
		)
		return nil
	})
}

func (a *App) Manager() *quota.Manager {
	return a.manager
}

// Fetch performs one gated call, as the scheduler would.
func (a *App) Fetch(ctx context.Context, c quota.Category, force bool) (ingest.Outcome, error) {
	if err := a.cfg.ValidateAPI(); err != nil {
		return ingest.Outcome{}, err
	}
	return a.runner.Run(ctx, c, force), nil
}

// Status returns the quota snapshot and up to events recent log entries.
func (a *App) Status(ctx context.Context, events int) (quota.Status, []quota.Event, error) {
	st, err := a.manager.CurrentStatus(ctx)
	if err != nil {
		return quota.Status{}, nil, err
	}
	if events <= 0 {
		return st, nil, nil
	}
	recent, err := a.store.Recent(ctx, events)
	if err != nil {
		return quota.Status{}, nil, fmt.Errorf("read quota log: %w", err)
	}
	return st, recent, nil
}

// PruneLogs deletes log entries older than days.
func (a *App) PruneLogs(ctx context.Context, days int) (int64, error) {
	return quota.PruneLogs(ctx, a.store, a.now(), days)
}

// Serve runs the scheduled jobs until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if err := a.cfg.ValidateAPI(); err != nil {
		return err
	}

	sched := scheduler.NewCronService(a.manager.Limits().Location, a.log)
	jobs := []struct {
		name string
		spec string
		job  scheduler.JobFunc
	}{
		{"forecast", a.cfg.Schedule.Forecast, a.fetchJob(quota.CategoryForecast)},
		{"actual", a.cfg.Schedule.Actual, a.fetchJob(quota.CategoryActual)},
		{"prune", a.cfg.Schedule.Prune, a.pruneJob},
	}
	for _, j := range jobs {
		if j.spec == "" || j.spec == config.ScheduleOff {
			a.log.Info("job disabled", "job", j.name)
			continue
		}
		if err := sched.Add(j.name, j.spec, j.job); err != nil {
			return err
		}
		if next, ok := sched.NextRun(j.name); ok {
			a.log.Info("job scheduled", "job", j.name, "spec", j.spec, "next", next.Format(time.RFC3339))
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sched.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	if err := sched.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
		return err
	}
	return nil
}

func (a *App) fetchJob(c quota.Category) scheduler.JobFunc {
	return func(ctx context.Context, log *slog.Logger) {
		out := a.runner.RunWithLogger(ctx, c, false, log)
		log.Debug("fetch job done", "status", string(out.Status), "message", out.Message)
	}
}

func (a *App) pruneJob(ctx context.Context, log *slog.Logger) {
	deleted, err := a.PruneLogs(ctx, a.cfg.Quota.LogRetentionDays)
	if err != nil {
		log.Error("failed to prune quota log", "error", err)
		return
	}
	log.Info("quota log pruned", "deleted", deleted, "retention_days", a.cfg.Quota.LogRetentionDays)
}

// Close releases the backend.
func (a *App) Close() error {
	return a.store.Close()
}
