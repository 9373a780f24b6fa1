package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// fakeQuerier serves canned counter values and can be flipped into a
// failure mode.
type fakeQuerier struct {
	requests float64
	errors   float64
	latency  float64
	fail     bool
	noSeries bool
}

func (f *fakeQuerier) Query(_ context.Context, query string, _ time.Time, _ ...v1.Option) (model.Value, v1.Warnings, error) {
	if f.fail {
		return nil, nil, errors.New("prometheus unreachable")
	}
	if f.noSeries {
		return model.Vector{}, nil, nil
	}

	var value float64
	switch {
	case strings.Contains(query, `status=~"5.."`):
		value = f.errors
	case strings.Contains(query, "duration_seconds_sum"):
		value = f.latency
	default:
		value = f.requests
	}
	return model.Vector{{Value: model.SampleValue(value)}}, nil, nil
}

func newTestClient(t *testing.T, q Querier) *Client {
	t.Helper()
	c, err := NewClient(Config{Ingress: "shop-canary", Querier: q})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{Ingress: ""}); err == nil {
		t.Error("expected error for missing ingress name")
	}
	if _, err := NewClient(Config{Ingress: "x"}); err == nil {
		t.Error("expected error for missing prometheus URL")
	}
}

func TestFirstSampleCoversSinceStart(t *testing.T) {
	q := &fakeQuerier{requests: 1000, errors: 5}
	c := newTestClient(t, q)

	s, err := c.Sample(context.Background(), 0)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s == nil {
		t.Fatal("first read should return the totals since the episode began")
	}
	if s.Requests != 1000 || s.Errors != 5 {
		t.Errorf("first sample = %d/%d, want 1000/5", s.Requests, s.Errors)
	}
}

func TestDeltaDerivation(t *testing.T) {
	q := &fakeQuerier{requests: 1000, errors: 5, latency: 0.150}
	c := newTestClient(t, q)
	ctx := context.Background()

	if _, err := c.Sample(ctx, 0); err != nil {
		t.Fatalf("first read: %v", err)
	}

	q.requests = 1600
	q.errors = 8
	s, err := c.Sample(ctx, 1)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s == nil {
		t.Fatal("expected a sample on the second read")
	}
	if s.Requests != 600 || s.Errors != 3 {
		t.Errorf("deltas = %d/%d, want 600/3", s.Requests, s.Errors)
	}
	if s.AvgLatencyMS != 150 {
		t.Errorf("AvgLatencyMS = %v, want 150", s.AvgLatencyMS)
	}
}

func TestZeroDeltaIsAbsence(t *testing.T) {
	q := &fakeQuerier{requests: 1000}
	c := newTestClient(t, q)
	ctx := context.Background()

	c.Sample(ctx, 0)
	s, err := c.Sample(ctx, 1)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s != nil {
		t.Errorf("zero request delta should be absence, got %+v", s)
	}
}

func TestQueryFailureIsAbsenceNotError(t *testing.T) {
	q := &fakeQuerier{requests: 1000}
	c := newTestClient(t, q)
	ctx := context.Background()

	c.Sample(ctx, 0)
	q.fail = true
	s, err := c.Sample(ctx, 1)
	if err != nil {
		t.Fatalf("fetch failure must not surface as an error: %v", err)
	}
	if s != nil {
		t.Errorf("fetch failure should be absence, got %+v", s)
	}

	// Recovery after the outage still uses the pre-outage baseline, so
	// the delta covers the whole gap.
	q.fail = false
	q.requests = 2000
	s, err = c.Sample(ctx, 2)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s == nil || s.Requests != 1000 {
		t.Errorf("post-outage sample = %+v, want 1000 request delta", s)
	}
}

func TestCounterResetReprimes(t *testing.T) {
	q := &fakeQuerier{requests: 5000, errors: 50}
	c := newTestClient(t, q)
	ctx := context.Background()

	c.Sample(ctx, 0)

	// Ingress controller restarted, counters went backwards.
	q.requests = 100
	q.errors = 1
	s, err := c.Sample(ctx, 1)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s != nil {
		t.Errorf("counter reset should be absence, got %+v", s)
	}

	q.requests = 400
	q.errors = 2
	s, err = c.Sample(ctx, 2)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s == nil || s.Requests != 300 || s.Errors != 1 {
		t.Errorf("sample after re-prime = %+v, want 300/1", s)
	}
}

func TestMissingSeriesIsAbsence(t *testing.T) {
	q := &fakeQuerier{noSeries: true}
	c := newTestClient(t, q)

	s, err := c.Sample(context.Background(), 0)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s != nil {
		t.Errorf("missing series should be absence, got %+v", s)
	}
}

func TestReset(t *testing.T) {
	q := &fakeQuerier{requests: 1000}
	c := newTestClient(t, q)
	ctx := context.Background()

	c.Sample(ctx, 0)
	c.Reset()

	q.requests = 2000
	s, err := c.Sample(ctx, 0)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s == nil || s.Requests != 2000 {
		t.Errorf("first sample after Reset = %+v, want the full 2000 since start", s)
	}
}
