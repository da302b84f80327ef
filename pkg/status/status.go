// Package status stores run status snapshots in Redis so that a separate
// process (the status command) can report on a running or finished scrape.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

// Run states.
const (
	StateRunning   = "running"
	StateSleeping  = "sleeping"
	StateFinished  = "finished"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

const (
	// DefaultPrefix namespaces all status keys.
	DefaultPrefix = "scraper:status"

	// DefaultTTL keeps snapshots around for a week after the last update.
	DefaultTTL = 7 * 24 * time.Hour
)

// ErrNoStatus is returned when no snapshot has been published yet.
var ErrNoStatus = errors.New("no run status found")

// Snapshot is the state of a run at UpdatedAt.
type Snapshot struct {
	RunID      string          `json:"run_id"`
	State      string          `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
	Total      int             `json:"total"`
	Completed  int64           `json:"completed"`
	Counts     map[string]int  `json:"counts"`
	Errors     int             `json:"errors"`
	Pool       ratelimit.Stats `json:"pool"`
}

// Percent returns the completed share of the run in percent.
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Store reads and writes snapshots.
type Store struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore creates a store. A non-positive ttl uses DefaultTTL.
func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		redis:  redisClient,
		prefix: DefaultPrefix,
		ttl:    ttl,
	}
}

func (s *Store) runKey(runID string) string {
	return s.prefix + ":run:" + runID
}

func (s *Store) latestKey() string {
	return s.prefix + ":latest"
}

// Publish stores snap and marks its run as the latest one.
func (s *Store) Publish(ctx context.Context, snap Snapshot) error {
	if snap.RunID == "" {
		return fmt.Errorf("snapshot without run id")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.runKey(snap.RunID), data, s.ttl)
	pipe.Set(ctx, s.latestKey(), snap.RunID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Get returns the last snapshot of runID.
func (s *Store) Get(ctx context.Context, runID string) (*Snapshot, error) {
	data, err := s.redis.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoStatus
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Latest returns the snapshot of the most recently published run.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	runID, err := s.redis.Get(ctx, s.latestKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoStatus
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return s.Get(ctx, runID)
}
