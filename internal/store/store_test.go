package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" && cfg.RetentionMode != "ephemeral" {
		cfg.Path = filepath.Join(t.TempDir(), "voiced.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{RetentionMode: "ephemeral"})

	if err := s.AppendTurn(context.Background(), "s1", "u1", protocol.Turn{Speaker: protocol.SpeakerUser, Text: "hi"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	has, err := s.HasHistory(context.Background(), "u1")
	if err != nil {
		t.Fatalf("has history: %v", err)
	}
	if has {
		t.Fatal("ephemeral store must not retain history")
	}
}

func TestAppendAndListTurns(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	turns := []protocol.Turn{
		{Speaker: protocol.SpeakerAgent, Text: "Good afternoon!", Timestamp: base},
		{Speaker: protocol.SpeakerUser, Text: "I had a sandwich", Timestamp: base.Add(10 * time.Second)},
		{Speaker: protocol.SpeakerAgent, Text: "Logged it.", Timestamp: base.Add(12 * time.Second)},
	}
	for _, turn := range turns {
		if err := s.AppendTurn(ctx, "session-1", "user-1", turn); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}

	got, err := s.ListSessionTurns(ctx, "session-1", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	if got[1].Speaker != protocol.SpeakerUser || got[1].Text != "I had a sandwich" {
		t.Fatalf("unexpected middle turn: %+v", got[1])
	}

	has, err := s.HasHistory(ctx, "user-1")
	if err != nil {
		t.Fatalf("has history: %v", err)
	}
	if !has {
		t.Fatal("expected history for user-1")
	}

	at, ok, err := s.LastActivity(ctx, "user-1")
	if err != nil {
		t.Fatalf("last activity: %v", err)
	}
	if !ok {
		t.Fatal("expected last activity")
	}
	if !at.Equal(base.Add(12 * time.Second)) {
		t.Fatalf("unexpected last activity: %v", at)
	}
}

func TestLastActivityUnknownUser(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{RetentionMode: "session"})
	_, ok, err := s.LastActivity(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("last activity: %v", err)
	}
	if ok {
		t.Fatal("expected no activity for unknown user")
	}
}

func TestMealLifecycle(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

	if err := s.LogMeal(ctx, Meal{
		UserID:    "user-1",
		Type:      "breakfast",
		Foods:     []string{"oatmeal", "coffee"},
		CreatedAt: day,
	}); err != nil {
		t.Fatalf("log meal: %v", err)
	}
	// A meal from the previous day must not show up.
	if err := s.LogMeal(ctx, Meal{
		UserID:    "user-1",
		Type:      "dinner",
		CreatedAt: day.Add(-20 * time.Hour),
	}); err != nil {
		t.Fatalf("log meal: %v", err)
	}

	meals, err := s.MealsOn(ctx, "user-1", day)
	if err != nil {
		t.Fatalf("meals on: %v", err)
	}
	if len(meals) != 1 {
		t.Fatalf("expected 1 meal on the day, got %d", len(meals))
	}
	if meals[0].Type != "breakfast" || meals[0].Completed {
		t.Fatalf("unexpected meal: %+v", meals[0])
	}
	if len(meals[0].Foods) != 2 || meals[0].Foods[0] != "oatmeal" {
		t.Fatalf("unexpected foods: %v", meals[0].Foods)
	}

	if err := s.CompleteMeal(ctx, "user-1", "breakfast", day); err != nil {
		t.Fatalf("complete meal: %v", err)
	}
	meals, err = s.MealsOn(ctx, "user-1", day)
	if err != nil {
		t.Fatalf("meals on: %v", err)
	}
	if !meals[0].Completed {
		t.Fatal("expected breakfast to be completed")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendTurn(ctx, "old-session", "user-1", protocol.Turn{Speaker: protocol.SpeakerUser, Text: "old"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendTurn(ctx, "new-session", "user-1", protocol.Turn{Speaker: protocol.SpeakerUser, Text: "new"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := s.ListSessionTurns(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list old: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned, got %d turns", len(old))
	}
	kept, err := s.ListSessionTurns(ctx, "new-session", 10)
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("expected new session kept, got %d turns", len(kept))
	}
}

func TestEnsureUserIdempotent(t *testing.T) {
	s := openTestStore(t, config.StoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	if err := s.EnsureUser(ctx, "user-1"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if err := s.EnsureUser(ctx, "user-1"); err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
}
