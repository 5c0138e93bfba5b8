package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — sessions, turns, transitions
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT         PRIMARY KEY,
    tenant_id   TEXT         NOT NULL DEFAULT '',
    user_id     TEXT         NOT NULL DEFAULT '',
    state       TEXT         NOT NULL,
    config      JSONB        NOT NULL DEFAULT '{}',
    metrics     JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions (tenant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions (updated_at);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    turn_id           TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    user_text         TEXT         NOT NULL,
    assistant_text    TEXT         NOT NULL,
    citations         JSONB        NOT NULL DEFAULT '[]',
    audio_duration_ms BIGINT       NOT NULL DEFAULT 0,
    latency_ms        BIGINT       NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id, created_at);
`

const ddlTransitions = `
CREATE TABLE IF NOT EXISTS transitions (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    from_state  TEXT         NOT NULL,
    to_state    TEXT         NOT NULL,
    event       TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions (session_id, created_at);
`

// Migrate ensures all sink tables exist. It is idempotent and safe to run on
// every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlTurns, ddlTransitions} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("sink: migrate: %w", err)
		}
	}
	return nil
}
