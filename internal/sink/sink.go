// Package sink provides best-effort durable persistence of sessions, turns,
// and transitions to PostgreSQL.
//
// All writes are asynchronous: callers enqueue a job and return immediately;
// a single worker goroutine drains the queue, retrying transient failures
// with bounded exponential backoff. A write that still fails after its
// retries is logged and discarded — persistence never blocks or fails the
// session path. Because the queue is drained by one worker in enqueue
// order, writes for a given session are applied in order.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyvoice/parley/internal/session"
)

const (
	// queueSize bounds the pending write queue. When full, new writes are
	// dropped with a warning rather than blocking the session path.
	queueSize = 1024

	// maxRetries bounds per-write retry attempts.
	maxRetries = 3

	// writeTimeout bounds one database write including retries.
	writeTimeout = 10 * time.Second
)

// job is one queued write.
type job func(ctx context.Context, pool *pgxpool.Pool) error

// Sink is the PostgreSQL-backed durable logger. Create one with New and
// stop it with Close. All exported methods are safe for concurrent use; the
// Record methods never block on the database, while Healthy pings it and
// Close waits for queued writes to finish.
type Sink struct {
	pool *pgxpool.Pool
	jobs chan job
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// New connects to the database at dsn, runs migrations, and starts the
// write worker.
func New(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Sink{
		pool: pool,
		jobs: make(chan job, queueSize),
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Close drains the queue and releases the connection pool.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.jobs)
		s.wg.Wait()
		s.pool.Close()
	})
}

// worker drains the job queue, retrying each write with bounded backoff.
func (s *Sink) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
		err := backoff.Retry(func() error { return j(ctx, s.pool) }, policy)
		cancel()
		if err != nil {
			slog.Warn("sink: write failed, discarded", "err", err)
		}
	}
}

// enqueue adds a write job without blocking.
func (s *Sink) enqueue(j job) {
	select {
	case s.jobs <- j:
	default:
		slog.Warn("sink: queue full, write dropped")
	}
}

// ---- Recorder surface -------------------------------------------------------

// RecordSession upserts the session row from snap.
func (s *Sink) RecordSession(snap session.Snapshot) {
	cfg, _ := json.Marshal(snap.Config)
	metrics, _ := json.Marshal(snap.Metrics)

	s.enqueue(func(ctx context.Context, pool *pgxpool.Pool) error {
		const q = `
			INSERT INTO sessions
			    (session_id, tenant_id, user_id, state, config, metrics, created_at, updated_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8)
			ON CONFLICT (session_id) DO UPDATE SET
			    state      = EXCLUDED.state,
			    metrics    = EXCLUDED.metrics,
			    updated_at = now(),
			    ended_at   = EXCLUDED.ended_at`

		_, err := pool.Exec(ctx, q,
			snap.ID, snap.TenantID, snap.UserID, string(snap.State),
			cfg, metrics, snap.CreatedAt, snap.EndedAt)
		return err
	})
}

// RecordTurn appends one completed turn.
func (s *Sink) RecordTurn(sessionID string, turn session.Turn) {
	citations, _ := json.Marshal(turn.Citations)

	s.enqueue(func(ctx context.Context, pool *pgxpool.Pool) error {
		const q = `
			INSERT INTO turns
			    (turn_id, session_id, user_text, assistant_text, citations, audio_duration_ms, latency_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (turn_id) DO NOTHING`

		_, err := pool.Exec(ctx, q,
			turn.ID, sessionID, turn.UserText, turn.AssistantText, citations,
			turn.AudioDuration.Milliseconds(), turn.Latency.Milliseconds(),
			turn.CompletedAt)
		return err
	})
}

// RecordTransition appends one state-change row.
func (s *Sink) RecordTransition(sessionID string, tr session.Transition) {
	md, _ := json.Marshal(tr.Metadata)

	s.enqueue(func(ctx context.Context, pool *pgxpool.Pool) error {
		const q = `
			INSERT INTO transitions
			    (session_id, from_state, to_state, event, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`

		_, err := pool.Exec(ctx, q,
			sessionID, string(tr.From), string(tr.To), tr.Event, md, tr.Timestamp)
		return err
	})
}

// Healthy reports whether the database answers a ping within the timeout.
func (s *Sink) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}
