// Package ingest runs one metered API call behind the quota gate.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"forecast-quota/internal/forecast"
	"forecast-quota/internal/quota"
	"forecast-quota/internal/sender"
)

// Admitter is the part of quota.Manager the runner needs.
type Admitter interface {
	CheckAndReserve(ctx context.Context, c quota.Category, force bool) (quota.Decision, error)
	RecordSuccess(ctx context.Context, c quota.Category) error
	RecordFailure(ctx context.Context, c quota.Category, status int) error
	Limits() quota.Limits
}

// Handler consumes the periods of a successful call.
type Handler interface {
	Handle(ctx context.Context, res forecast.Result) error
}

type HandlerFunc func(ctx context.Context, res forecast.Result) error

func (f HandlerFunc) Handle(ctx context.Context, res forecast.Result) error {
	return f(ctx, res)
}

type Status string

const (
	StatusExecuted Status = "executed"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Outcome describes what a run did.
type Outcome struct {
	Category   quota.Category
	Status     Status
	Decision   quota.Decision
	Message    string
	HTTPStatus int
	Periods    int
	Err        error
}

type Runner struct {
	admitter  Admitter
	executors map[quota.Category]forecast.Executor
	handler   Handler
	notifier  sender.Sender
	logger    *slog.Logger
}

type Option func(*Runner)

func WithHandler(h Handler) Option {
	return func(r *Runner) { r.handler = h }
}

// WithNotifier sends a message whenever a rate-limit back-off is armed.
func WithNotifier(s sender.Sender) Option {
	return func(r *Runner) { r.notifier = s }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.logger = log
		}
	}
}

func NewRunner(admitter Admitter, executors map[quota.Category]forecast.Executor, opts ...Option) *Runner {
	r := &Runner{
		admitter:  admitter,
		executors: executors,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reserves a slot for c and, when granted, performs the call. It never
// calls upstream unless the reservation was persisted.
func (r *Runner) Run(ctx context.Context, c quota.Category, force bool) Outcome {
	return r.run(ctx, c, force, r.logger)
}

// RunWithLogger is Run with a per-task logger, as handed out by the scheduler.
func (r *Runner) RunWithLogger(ctx context.Context, c quota.Category, force bool, log *slog.Logger) Outcome {
	if log == nil {
		log = r.logger
	}
	return r.run(ctx, c, force, log)
}

func (r *Runner) run(ctx context.Context, c quota.Category, force bool, log *slog.Logger) Outcome {
	out := Outcome{Category: c}
	log = log.With("category", string(c), "force", force)

	exec, ok := r.executors[c]
	if !ok {
		out.Status = StatusFailed
		out.Err = fmt.Errorf("%w: %q", quota.ErrUnknownCategory, c)
		out.Message = "unknown category"
		return out
	}

	d, err := r.admitter.CheckAndReserve(ctx, c, force)
	out.Decision = d
	if err != nil {
		log.Error("quota check failed", "error", err)
		out.Status = StatusFailed
		out.Err = err
		out.Message = "quota storage unavailable"
		return out
	}
	if !d.Allowed {
		out.Status = StatusSkipped
		out.Message = skipMessage(d)
		log.Info("call skipped", "reason", string(d.Reason), "next_eligible_at", d.NextEligibleAt)
		return out
	}

	callStart := time.Now()
	res, err := exec.Execute(ctx)
	callDur := time.Since(callStart)

	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		out.HTTPStatus = StatusCode(err)
		out.Message = err.Error()

		if ctx.Err() != nil {
			log.Warn("call cancelled", "reason", ctx.Err(), "call_dur", callDur)
		} else {
			log.Error("call failed", "error", err, "status", out.HTTPStatus, "call_dur", callDur)
		}

		// The failure must be recorded even when the caller is going away.
		if rerr := r.admitter.RecordFailure(context.WithoutCancel(ctx), c, out.HTTPStatus); rerr != nil {
			log.Error("failed to record failure", "error", rerr)
		}
		if out.HTTPStatus == http.StatusTooManyRequests && r.admitter.Limits().Backoff429 > 0 {
			r.notify(ctx, log, fmt.Sprintf(
				"Solar API rate limit hit on %s call; all calls paused for %s.",
				c, r.admitter.Limits().Backoff429,
			))
		}
		return out
	}

	if err := r.admitter.RecordSuccess(context.WithoutCancel(ctx), c); err != nil {
		log.Error("failed to record success", "error", err)
	}

	out.Status = StatusExecuted
	out.Periods = len(res.Periods)
	out.Message = fmt.Sprintf("fetched %d periods (%d/%d calls today)", len(res.Periods), d.Count, d.DailyCap)
	log.Info("call executed", "periods", len(res.Periods), "count", d.Count, "daily_cap", d.DailyCap, "call_dur", callDur)

	if r.handler != nil {
		if err := r.handler.Handle(ctx, res); err != nil {
			log.Error("failed to handle result", "error", err)
		}
	}
	return out
}

func (r *Runner) notify(ctx context.Context, log *slog.Logger, msg string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Send(ctx, []string{msg}); err != nil {
		log.Warn("failed to send notification", "error", err)
	}
}

func skipMessage(d quota.Decision) string {
	msg := d.Reason.Description()
	if d.NextEligibleAt != nil {
		msg += "; next eligible at " + d.NextEligibleAt.Format(time.RFC3339)
	}
	return msg
}

// StatusCode extracts the HTTP status from an executor error: the status of
// an *forecast.APIError, 429 when the message mentions it, otherwise 0.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *forecast.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	if strings.Contains(err.Error(), "429") {
		return http.StatusTooManyRequests
	}
	return 0
}
