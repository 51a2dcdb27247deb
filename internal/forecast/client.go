// Package forecast calls the metered rooftop-site solar forecast API.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sosodev/duration"

	"forecast-quota/internal/quota"
)

const maxErrorBody = 512

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("forecast api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("forecast api returned status %d: %s", e.StatusCode, e.Body)
}

// Period is one half-hourly (or otherwise sized) PV estimate.
type Period struct {
	PeriodEnd    time.Time
	Period       time.Duration
	PVEstimate   float64
	PVEstimate10 float64
	PVEstimate90 float64
}

type periodJSON struct {
	PeriodEnd    time.Time `json:"period_end"`
	Period       string    `json:"period"`
	PVEstimate   float64   `json:"pv_estimate"`
	PVEstimate10 float64   `json:"pv_estimate10"`
	PVEstimate90 float64   `json:"pv_estimate90"`
}

type forecastsResponse struct {
	Forecasts []periodJSON `json:"forecasts"`
}

type actualsResponse struct {
	EstimatedActuals []periodJSON `json:"estimated_actuals"`
}

type Client struct {
	baseURL    string
	apiKey     string
	siteID     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, siteID string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		siteID:  siteID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) FetchForecasts(ctx context.Context) ([]Period, error) {
	var resp forecastsResponse
	if err := c.get(ctx, "forecasts", &resp); err != nil {
		return nil, err
	}
	return convert(resp.Forecasts)
}

func (c *Client) FetchActuals(ctx context.Context) ([]Period, error) {
	var resp actualsResponse
	if err := c.get(ctx, "estimated_actuals", &resp); err != nil {
		return nil, err
	}
	return convert(resp.EstimatedActuals)
}

func (c *Client) get(ctx context.Context, resource string, out any) error {
	url := fmt.Sprintf("%s/rooftop_sites/%s/%s?format=json", c.baseURL, c.siteID, resource)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request cancelled: %w", ctx.Err())
		default:
			return fmt.Errorf("do request: %w", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func convert(raw []periodJSON) ([]Period, error) {
	periods := make([]Period, 0, len(raw))
	for _, p := range raw {
		var length time.Duration
		if p.Period != "" {
			d, err := duration.Parse(p.Period)
			if err != nil {
				return nil, fmt.Errorf("parse period %q: %w", p.Period, err)
			}
			length = d.ToTimeDuration()
		}
		periods = append(periods, Period{
			PeriodEnd:    p.PeriodEnd.UTC(),
			Period:       length,
			PVEstimate:   p.PVEstimate,
			PVEstimate10: p.PVEstimate10,
			PVEstimate90: p.PVEstimate90,
		})
	}
	return periods, nil
}

// Result is what one metered call produced.
type Result struct {
	Category  quota.Category
	Periods   []Period
	FetchedAt time.Time
}

// Executor performs the upstream call for one category.
type Executor interface {
	Execute(ctx context.Context) (Result, error)
}

type ExecutorFunc func(ctx context.Context) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context) (Result, error) {
	return f(ctx)
}

// Executors returns one executor per category backed by c.
func (c *Client) Executors() map[quota.Category]Executor {
	wrap := func(cat quota.Category, fetch func(context.Context) ([]Period, error)) Executor {
		return ExecutorFunc(func(ctx context.Context) (Result, error) {
			periods, err := fetch(ctx)
			if err != nil {
				return Result{}, err
			}
			return Result{Category: cat, Periods: periods, FetchedAt: time.Now().UTC()}, nil
		})
	}
	return map[quota.Category]Executor{
		quota.CategoryForecast: wrap(quota.CategoryForecast, c.FetchForecasts),
		quota.CategoryActual:   wrap(quota.CategoryActual, c.FetchActuals),
	}
}
