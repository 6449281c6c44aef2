package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shielded/orchestrator/logging"
	"shielded/orchestrator/prover"
)

const (
	mirrorKeyPrefix = "shielded_result_"
	mirrorTTL       = 1 * time.Hour
)

// mirrorRecord is the terminal job state persisted to Redis.
type mirrorRecord struct {
	JobID       string           `json:"jobId"`
	Stage       string           `json:"stage"`
	ErrorReason string           `json:"errorReason,omitempty"`
	Result      *prover.Response `json:"result,omitempty"`
	FinishedAt  time.Time        `json:"finishedAt"`
}

// ResultMirror copies terminal job results into Redis with a TTL so
// external pollers can read outcomes across orchestrator restarts. The
// in-process queue stays authoritative; the mirror is write-through and
// best-effort.
type ResultMirror struct {
	client *redis.Client
	ctx    context.Context
}

// NewResultMirror connects to Redis and verifies reachability.
func NewResultMirror(redisURL string) (*ResultMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 10 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Logger().Info().
		Str("addr", opts.Addr).
		Dur("result_ttl", mirrorTTL).
		Msg("Redis result mirror connected")

	return &ResultMirror{client: client, ctx: context.Background()}, nil
}

// Store writes one terminal job record.
func (m *ResultMirror) Store(record mirrorRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := mirrorKeyPrefix + record.JobID
	if err := m.client.Set(m.ctx, key, data, mirrorTTL).Err(); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	logging.Logger().Debug().
		Str("job_id", record.JobID).
		Str("key", key).
		Msg("job result mirrored")
	return nil
}

// Fetch reads a mirrored record. Returns nil without error when the key
// is absent or expired.
func (m *ResultMirror) Fetch(jobID string) (*mirrorRecord, error) {
	result, err := m.client.Get(m.ctx, mirrorKeyPrefix+jobID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result: %w", err)
	}

	var record mirrorRecord
	if err := json.Unmarshal([]byte(result), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &record, nil
}

// Close releases the Redis connection.
func (m *ResultMirror) Close() error {
	return m.client.Close()
}
