// Package greeting computes the first utterance a session hears, from the
// user's meal history and the local time of day.
package greeting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Chandru-3009/conversational-be-sub001/internal/fault"
	"github.com/Chandru-3009/conversational-be-sub001/internal/llm"
	"github.com/Chandru-3009/conversational-be-sub001/internal/store"
)

// FallbackGreeting is the constant last resort; a session must never fail to
// start because greeting generation is down.
const FallbackGreeting = "Hello"

// UserSnapshot is everything the resolver needs to know about a user at
// session start.
type UserSnapshot struct {
	UserID       string
	FirstTime    bool
	LastActivity time.Time
	TodayMeals   []store.Meal
}

// Resolver generates greetings through the conversational backend with a
// bounded retry and a constant fallback.
type Resolver struct {
	gen     llm.Generator
	log     *slog.Logger
	clock   func() time.Time
	retries int
	delay   time.Duration
}

func NewResolver(gen llm.Generator, retries int, delay time.Duration, log *slog.Logger) *Resolver {
	return &Resolver{
		gen:     gen,
		log:     log.With(slog.String("component", "greeting")),
		clock:   time.Now,
		retries: retries,
		delay:   delay,
	}
}

// Resolve produces the opening utterance. It never returns an error; after
// exhausting retries it falls back to FallbackGreeting.
func (r *Resolver) Resolve(ctx context.Context, snapshot UserSnapshot) string {
	prompt := r.buildPrompt(snapshot)

	attempts := r.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		reply, err := r.gen.Generate(ctx, llm.Request{
			System: "You are a friendly meal-logging voice assistant. Reply with one short spoken greeting.",
			Prompt: prompt,
		})
		if err == nil && strings.TrimSpace(reply.Content) != "" {
			return strings.TrimSpace(reply.Content)
		}
		if err != nil {
			r.log.Warn("greeting generation failed",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			if fault.KindOf(err) == fault.Unauthorized {
				break
			}
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return FallbackGreeting
			case <-time.After(r.delay):
			}
		}
	}
	return FallbackGreeting
}

func (r *Resolver) buildPrompt(snapshot UserSnapshot) string {
	now := r.clock()
	window := MealWindow(now)

	if snapshot.FirstTime {
		return fmt.Sprintf(
			"Greet a brand-new user. Explain that you can log their meals by voice and answer questions about what they ate. Invite them to tell you about their %s.",
			window)
	}

	if meal, ok := incompleteMeal(snapshot.TodayMeals); ok {
		foods := "nothing yet"
		if len(meal.Foods) > 0 {
			foods = strings.Join(meal.Foods, ", ")
		}
		return fmt.Sprintf(
			"Greet a returning user who started logging %s today but did not finish. So far they mentioned: %s. Ask them to continue describing that %s.",
			meal.Type, foods, meal.Type)
	}

	next := window
	if last, ok := latestMeal(snapshot.TodayMeals); ok {
		next = NextMeal(last.Type)
	}
	days := 0
	if !snapshot.LastActivity.IsZero() {
		days = int(now.Sub(snapshot.LastActivity).Hours() / 24)
	}
	if last, ok := latestMeal(snapshot.TodayMeals); ok {
		return fmt.Sprintf(
			"Greet a returning user who already completed their %s today. Suggest logging their %s next.",
			last.Type, next)
	}
	return fmt.Sprintf(
		"Greet a returning user whose last activity was %d day(s) ago. Suggest logging their %s.",
		days, next)
}

// MealWindow maps a local time of day to the meal a user is most likely
// about to eat.
func MealWindow(t time.Time) string {
	switch hour := t.Hour(); {
	case hour < 11:
		return "breakfast"
	case hour < 16:
		return "lunch"
	case hour < 21:
		return "dinner"
	default:
		return "snack"
	}
}

// NextMeal advances through the fixed cycle breakfast -> lunch -> dinner ->
// snack -> breakfast.
func NextMeal(meal string) string {
	switch meal {
	case "breakfast":
		return "lunch"
	case "lunch":
		return "dinner"
	case "dinner":
		return "snack"
	default:
		return "breakfast"
	}
}

func incompleteMeal(meals []store.Meal) (store.Meal, bool) {
	for i := len(meals) - 1; i >= 0; i-- {
		if !meals[i].Completed {
			return meals[i], true
		}
	}
	return store.Meal{}, false
}

func latestMeal(meals []store.Meal) (store.Meal, bool) {
	if len(meals) == 0 {
		return store.Meal{}, false
	}
	return meals[len(meals)-1], true
}
