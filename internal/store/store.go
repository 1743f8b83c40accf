// Package store persists users, conversation turns and meal records in
// SQLite. The pipeline appends turns after each completed run; the greeting
// resolver reads user and meal history when a session opens.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Chandru-3009/conversational-be-sub001/internal/config"
	"github.com/Chandru-3009/conversational-be-sub001/internal/protocol"
)

// TurnRecord is one persisted conversation turn.
type TurnRecord struct {
	ID        int64
	SessionID string
	UserID    string
	Speaker   string
	Text      string
	CreatedAt time.Time
}

// Meal is one logged meal for a user.
type Meal struct {
	ID        int64
	UserID    string
	Type      string // breakfast, lunch, dinner, snack
	Foods     []string
	Completed bool
	CreatedAt time.Time
}

// Store wraps a SQLite-backed conversation store. In ephemeral retention
// mode every operation is a no-op and reads return empty results.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    last_seen_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    user_id TEXT,
    speaker TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_turns_user_created ON turns(user_id, created_at);
CREATE TABLE IF NOT EXISTS meals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    meal_type TEXT NOT NULL,
    foods TEXT,
    completed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_meals_user_created ON meals(user_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureUser upserts a user row and bumps last_seen_at.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if s.db == nil || userID == "" {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, created_at, last_seen_at) VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_seen_at=excluded.last_seen_at`,
		userID, now, now)
	return err
}

// AppendTurn writes one conversation turn.
func (s *Store) AppendTurn(ctx context.Context, sessionID, userID string, turn protocol.Turn) error {
	if s.db == nil {
		return nil
	}
	at := turn.Timestamp
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, user_id, speaker, text, created_at) VALUES(?, ?, ?, ?, ?)`,
		sessionID, userID, turn.Speaker, turn.Text, at.UTC())
	return err
}

// ListSessionTurns retrieves up to limit turns for a session in time order.
func (s *Store) ListSessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, speaker, text, created_at
		 FROM turns WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

// HasHistory reports whether the user has ever spoken a turn.
func (s *Store) HasHistory(ctx context.Context, userID string) (bool, error) {
	if s.db == nil || userID == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM turns WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LastActivity returns the time of the user's most recent turn as seen by
// the store. ok is false when the user has no recorded activity.
func (s *Store) LastActivity(ctx context.Context, userID string) (at time.Time, ok bool, err error) {
	if s.db == nil || userID == "" {
		return time.Time{}, false, nil
	}
	var created string
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at FROM turns WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID).Scan(&created)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, perr := parseStoredTime(created)
	if perr != nil {
		return time.Time{}, false, perr
	}
	return ts, true, nil
}

// MealsOn lists the user's meals logged on the given calendar day (UTC).
func (s *Store) MealsOn(ctx context.Context, userID string, day time.Time) ([]Meal, error) {
	if s.db == nil || userID == "" {
		return nil, nil
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, meal_type, foods, completed, created_at
		 FROM meals WHERE user_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at ASC`, userID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meals []Meal
	for rows.Next() {
		var m Meal
		var foods sql.NullString
		var completed int
		var created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &foods, &completed, &created); err != nil {
			return nil, err
		}
		if foods.Valid && foods.String != "" {
			if err := json.Unmarshal([]byte(foods.String), &m.Foods); err != nil {
				s.log.Warn("bad foods payload", slog.Int64("meal_id", m.ID), slog.String("error", err.Error()))
			}
		}
		m.Completed = completed != 0
		if ts, err := parseStoredTime(created); err == nil {
			m.CreatedAt = ts
		}
		meals = append(meals, m)
	}
	return meals, rows.Err()
}

// LogMeal inserts a meal record.
func (s *Store) LogMeal(ctx context.Context, meal Meal) error {
	if s.db == nil {
		return nil
	}
	foods, err := json.Marshal(meal.Foods)
	if err != nil {
		return err
	}
	at := meal.CreatedAt
	if at.IsZero() {
		at = s.clock()
	}
	completed := 0
	if meal.Completed {
		completed = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO meals(user_id, meal_type, foods, completed, created_at) VALUES(?, ?, ?, ?, ?)`,
		meal.UserID, meal.Type, string(foods), completed, at.UTC())
	return err
}

// CompleteMeal marks the user's most recent open meal of the given type on
// the given day as completed.
func (s *Store) CompleteMeal(ctx context.Context, userID, mealType string, day time.Time) error {
	if s.db == nil {
		return nil
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	_, err := s.db.ExecContext(ctx,
		`UPDATE meals SET completed = 1 WHERE id IN (
			SELECT id FROM meals WHERE user_id = ? AND meal_type = ? AND completed = 0
			AND created_at >= ? AND created_at < ? ORDER BY created_at DESC LIMIT 1
		)`, userID, mealType, start, end)
	return err
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM meals WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id IN (
			SELECT session_id FROM (
				SELECT session_id, MAX(created_at) AS last FROM turns GROUP BY session_id
				ORDER BY last DESC LIMIT -1 OFFSET ?
			)
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func scanTurns(rows *sql.Rows) ([]TurnRecord, error) {
	var turns []TurnRecord
	for rows.Next() {
		var t TurnRecord
		var userID sql.NullString
		var created string
		if err := rows.Scan(&t.ID, &t.SessionID, &userID, &t.Speaker, &t.Text, &created); err != nil {
			return nil, err
		}
		t.UserID = userID.String
		if ts, err := parseStoredTime(created); err == nil {
			t.CreatedAt = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func parseStoredTime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02 15:04:05.999999999-07:00", value)
}
