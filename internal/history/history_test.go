package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/softcane/canary-pilot/internal/controller"
	"github.com/softcane/canary-pilot/internal/env"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(outcome controller.Phase) controller.Result {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return controller.Result{
		ID:          uuid.New(),
		Release:     "shop",
		Outcome:     outcome,
		Steps:       12,
		FinalWeight: 100,
		TotalReward: 73.5,
		StartedAt:   now.Add(-time.Minute),
		FinishedAt:  now,
	}
}

func TestEpisodeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := sampleResult(controller.PhaseCompletedRollout)
	if err := s.RecordEpisode(ctx, want); err != nil {
		t.Fatalf("RecordEpisode: %v", err)
	}

	got, err := s.Episode(ctx, want.ID)
	if err != nil {
		t.Fatalf("Episode: %v", err)
	}
	if got.ID != want.ID || got.Outcome != want.Outcome || got.Steps != want.Steps {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.TotalReward != want.TotalReward || got.FinalWeight != want.FinalWeight {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("timestamps: got %v/%v, want %v/%v", got.StartedAt, got.FinishedAt, want.StartedAt, want.FinishedAt)
	}
}

func TestStepRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ep := sampleResult(controller.PhaseCompletedRollback)
	if err := s.RecordEpisode(ctx, ep); err != nil {
		t.Fatalf("RecordEpisode: %v", err)
	}

	steps := []controller.StepRecord{
		{
			Step:      0,
			State:     env.State{ErrorRate: 0.005, LatencyRatio: 0.6, Weight: 20},
			Requested: env.ActionUp,
			Applied:   env.ActionUp,
			Weight:    20,
			Reward:    1.2,
		},
		{
			Step:      1,
			State:     env.State{ErrorRate: 1, LatencyRatio: env.LatencyRatioCeiling, Weight: 10, Absent: true},
			Requested: env.ActionHold,
			Applied:   env.ActionDown,
			Forced:    true,
			Weight:    10,
			Reward:    -14.8,
		},
	}
	for _, rec := range steps {
		if err := s.RecordStep(ctx, ep.ID, rec); err != nil {
			t.Fatalf("RecordStep: %v", err)
		}
	}

	got, err := s.Steps(ctx, ep.ID)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Applied != env.ActionUp || got[0].Forced {
		t.Errorf("step 0 = %+v", got[0])
	}
	if got[1].Applied != env.ActionDown || !got[1].Forced || !got[1].State.Absent {
		t.Errorf("step 1 = %+v", got[1])
	}
	if got[1].State.ErrorRate != 1 {
		t.Errorf("step 1 error rate = %v, want sentinel 1", got[1].State.ErrorRate)
	}
}

func TestRecentEpisodesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := sampleResult(controller.PhaseCompletedMaxSteps)
	older.StartedAt = older.StartedAt.Add(-time.Hour)
	newer := sampleResult(controller.PhaseCompletedRollout)

	if err := s.RecordEpisode(ctx, older); err != nil {
		t.Fatalf("RecordEpisode: %v", err)
	}
	if err := s.RecordEpisode(ctx, newer); err != nil {
		t.Fatalf("RecordEpisode: %v", err)
	}

	got, err := s.RecentEpisodes(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEpisodes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != newer.ID {
		t.Error("newest episode should come first")
	}

	got, err = s.RecentEpisodes(ctx, 1)
	if err != nil {
		t.Fatalf("RecentEpisodes: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("limit ignored, len = %d", len(got))
	}
}

func TestEpisodeNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Episode(context.Background(), uuid.New()); err == nil {
		t.Error("expected error for unknown episode")
	}
}
