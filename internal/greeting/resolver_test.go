package greeting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Chandru-3009/conversational-be-sub001/internal/fault"
	"github.com/Chandru-3009/conversational-be-sub001/internal/llm"
	"github.com/Chandru-3009/conversational-be-sub001/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedGenerator fails a fixed number of times before answering.
type scriptedGenerator struct {
	failures int
	failWith error
	reply    string
	calls    int
	prompts  []string
}

func (g *scriptedGenerator) Generate(_ context.Context, req llm.Request) (llm.Reply, error) {
	g.calls++
	g.prompts = append(g.prompts, req.Prompt)
	if g.calls <= g.failures {
		err := g.failWith
		if err == nil {
			err = errors.New("generation failed")
		}
		return llm.Reply{}, err
	}
	return llm.Reply{Content: g.reply}, nil
}

func newResolver(gen llm.Generator) *Resolver {
	r := NewResolver(gen, 3, time.Millisecond, newLogger())
	return r
}

func TestResolveFirstTimeMorning(t *testing.T) {
	gen := &scriptedGenerator{reply: "Good morning! Tell me about your breakfast."}
	r := newResolver(gen)
	r.clock = func() time.Time { return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC) }

	got := r.Resolve(context.Background(), UserSnapshot{UserID: "u1", FirstTime: true})
	if got != "Good morning! Tell me about your breakfast." {
		t.Fatalf("unexpected greeting: %q", got)
	}
	if len(gen.prompts) != 1 || !strings.Contains(gen.prompts[0], "breakfast") {
		t.Fatalf("expected a breakfast onboarding prompt, got %v", gen.prompts)
	}
	if !strings.Contains(gen.prompts[0], "brand-new") {
		t.Fatalf("expected first-time prompt, got %q", gen.prompts[0])
	}
}

func TestResolveSuggestsNextMealAfterBreakfast(t *testing.T) {
	gen := &scriptedGenerator{reply: "Welcome back! Ready to log lunch?"}
	r := newResolver(gen)
	r.clock = func() time.Time { return time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC) }

	r.Resolve(context.Background(), UserSnapshot{
		UserID: "u1",
		TodayMeals: []store.Meal{
			{Type: "breakfast", Completed: true, Foods: []string{"toast"}},
		},
	})
	if len(gen.prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0], "completed their breakfast") || !strings.Contains(gen.prompts[0], "lunch") {
		t.Fatalf("expected a lunch suggestion, got %q", gen.prompts[0])
	}
}

func TestResolveContinuesIncompleteMeal(t *testing.T) {
	gen := &scriptedGenerator{reply: "Let's finish logging your lunch."}
	r := newResolver(gen)
	r.clock = func() time.Time { return time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC) }

	r.Resolve(context.Background(), UserSnapshot{
		UserID: "u1",
		TodayMeals: []store.Meal{
			{Type: "lunch", Completed: false, Foods: []string{"soup", "bread"}},
		},
	})
	if !strings.Contains(gen.prompts[0], "did not finish") || !strings.Contains(gen.prompts[0], "soup, bread") {
		t.Fatalf("expected a continuation prompt naming the foods, got %q", gen.prompts[0])
	}
}

func TestResolveRetriesThenSucceeds(t *testing.T) {
	gen := &scriptedGenerator{failures: 2, reply: "Hi again!"}
	r := newResolver(gen)

	got := r.Resolve(context.Background(), UserSnapshot{UserID: "u1", FirstTime: true})
	if got != "Hi again!" {
		t.Fatalf("unexpected greeting: %q", got)
	}
	if gen.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gen.calls)
	}
}

func TestResolveFallsBackAfterExhaustedRetries(t *testing.T) {
	gen := &scriptedGenerator{failures: 10}
	r := newResolver(gen)

	got := r.Resolve(context.Background(), UserSnapshot{UserID: "u1", FirstTime: true})
	if got != FallbackGreeting {
		t.Fatalf("expected fallback greeting, got %q", got)
	}
	if gen.calls != 4 {
		t.Fatalf("expected retries+1 attempts, got %d", gen.calls)
	}
}

func TestResolveStopsOnAuthFault(t *testing.T) {
	gen := &scriptedGenerator{
		failures: 10,
		failWith: fault.New(fault.Unauthorized, "llm", errors.New("bad key")),
	}
	r := newResolver(gen)

	got := r.Resolve(context.Background(), UserSnapshot{UserID: "u1", FirstTime: true})
	if got != FallbackGreeting {
		t.Fatalf("expected fallback greeting, got %q", got)
	}
	if gen.calls != 1 {
		t.Fatalf("auth failure must not be retried, got %d attempts", gen.calls)
	}
}

func TestMealWindow(t *testing.T) {
	cases := []struct {
		hour int
		want string
	}{
		{7, "breakfast"},
		{10, "breakfast"},
		{11, "lunch"},
		{15, "lunch"},
		{16, "dinner"},
		{20, "dinner"},
		{21, "snack"},
		{23, "snack"},
	}
	for _, tc := range cases {
		at := time.Date(2025, 6, 1, tc.hour, 0, 0, 0, time.UTC)
		if got := MealWindow(at); got != tc.want {
			t.Fatalf("hour %d: expected %s, got %s", tc.hour, tc.want, got)
		}
	}
}

func TestNextMealCycle(t *testing.T) {
	order := []string{"breakfast", "lunch", "dinner", "snack", "breakfast"}
	for i := 0; i < len(order)-1; i++ {
		if got := NextMeal(order[i]); got != order[i+1] {
			t.Fatalf("after %s: expected %s, got %s", order[i], order[i+1], got)
		}
	}
}
