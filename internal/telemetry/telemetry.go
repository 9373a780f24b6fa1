// Package telemetry reads canary traffic metrics from Prometheus and
// turns cumulative ingress counters into per-step deltas. It is the live
// implementation of env.Source; the scenario generator is the synthetic
// one.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/softcane/canary-pilot/internal/env"
	"github.com/softcane/canary-pilot/internal/metrics"
)

// Querier is the slice of the Prometheus API the client needs. v1.API
// satisfies it; tests supply a fake.
type Querier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// Config holds configuration for the telemetry client.
type Config struct {
	PrometheusURL string
	// Ingress is the canary ingress name used in metric label selectors.
	Ingress      string
	QueryTimeout time.Duration
	Logger       *slog.Logger
	// Querier is an optional Prometheus API. If nil, one is created from
	// PrometheusURL. Useful for testing.
	Querier Querier
}

// Client queries ingress-nginx request counters for one canary ingress.
// It remembers the previous counter reads so each Sample returns the
// delta covering exactly one decision step. Any fetch failure, missing
// series, counter reset, or zero request delta is reported as absence,
// never as an error: a telemetry gap is a state the policy must see, not
// a reason converted to crash the loop.
type Client struct {
	api     Querier
	logger  *slog.Logger
	ingress string
	timeout time.Duration

	mu           sync.Mutex
	prevRequests float64
	prevErrors   float64
}

// NewClient creates a telemetry client.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Ingress == "" {
		return nil, fmt.Errorf("telemetry: ingress name is required")
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	querier := cfg.Querier
	if querier == nil {
		if cfg.PrometheusURL == "" {
			return nil, fmt.Errorf("telemetry: PrometheusURL is required")
		}
		client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus client: %w", err)
		}
		querier = v1.NewAPI(client)
	}

	return &Client{
		api:     querier,
		logger:  logger,
		ingress: cfg.Ingress,
		timeout: timeout,
	}, nil
}

// Sample reads the counters and returns the delta since the previous
// read. The baseline starts at zero, so the first call after
// construction or Reset returns the totals accumulated since the
// episode began.
func (c *Client) Sample(ctx context.Context, step int) (*env.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	requests, ok := c.queryScalar(ctx, fmt.Sprintf(
		`sum(nginx_ingress_controller_requests{ingress=%q})`, c.ingress))
	if !ok {
		c.absent(step, "request counter unavailable")
		return nil, nil
	}
	errors, ok := c.queryScalar(ctx, fmt.Sprintf(
		`sum(nginx_ingress_controller_requests{ingress=%q,status=~"5.."})`, c.ingress))
	if !ok {
		// A canary with zero 5xx responses has no error series at all.
		errors = 0
	}

	dRequests := requests - c.prevRequests
	dErrors := errors - c.prevErrors
	if dRequests < 0 || dErrors < 0 {
		// Counter reset, likely an ingress controller restart. Re-prime.
		c.prevRequests = requests
		c.prevErrors = errors
		c.absent(step, "counter reset detected")
		return nil, nil
	}
	c.prevRequests = requests
	c.prevErrors = errors

	if dRequests == 0 {
		c.absent(step, "no canary traffic in window")
		return nil, nil
	}

	latency := math.NaN()
	if v, ok := c.queryScalar(ctx, fmt.Sprintf(
		`sum(rate(nginx_ingress_controller_request_duration_seconds_sum{ingress=%q}[1m]))`+
			` / sum(rate(nginx_ingress_controller_request_duration_seconds_count{ingress=%q}[1m]))`,
		c.ingress, c.ingress)); ok {
		latency = v * 1000 // seconds to milliseconds
	}

	return &env.Sample{
		Requests:     int64(dRequests),
		Errors:       int64(dErrors),
		AvgLatencyMS: latency,
	}, nil
}

// Reset discards the counter baseline, used when a new episode starts.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevRequests = 0
	c.prevErrors = 0
}

func (c *Client) absent(step int, reason string) {
	c.logger.Warn("telemetry absent", "step", step, "reason", reason)
	metrics.TelemetryAbsent.Inc()
}

// queryScalar runs an instant query and extracts the first vector value.
func (c *Client) queryScalar(ctx context.Context, query string) (float64, bool) {
	result, warnings, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		c.logger.Warn("prometheus query failed", "error", err)
		return 0, false
	}
	if len(warnings) > 0 {
		c.logger.Warn("prometheus query warnings", "warnings", warnings)
	}

	switch v := result.(type) {
	case model.Vector:
		if len(v) > 0 {
			return float64(v[0].Value), true
		}
	case *model.Scalar:
		return float64(v.Value), true
	}
	return 0, false
}
