package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlOrganization is the read model the aggregator queries. Deployments with
// their own schema expose equivalent views and skip [Migrate].
const ddlOrganization = `
CREATE TABLE IF NOT EXISTS organizations (
    id    TEXT PRIMARY KEY,
    name  TEXT NOT NULL,
    plan  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
    id               TEXT PRIMARY KEY,
    organization_id  TEXT NOT NULL REFERENCES organizations (id),
    name             TEXT NOT NULL,
    email            TEXT NOT NULL DEFAULT '',
    role             TEXT NOT NULL DEFAULT '',
    department       TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'offline'
);

CREATE INDEX IF NOT EXISTS idx_users_org ON users (organization_id);

CREATE TABLE IF NOT EXISTS channels (
    id               TEXT PRIMARY KEY,
    organization_id  TEXT NOT NULL REFERENCES organizations (id),
    name             TEXT NOT NULL,
    type             TEXT NOT NULL DEFAULT 'public',
    last_activity    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_channels_org ON channels (organization_id);

CREATE TABLE IF NOT EXISTS channel_members (
    channel_id  TEXT NOT NULL REFERENCES channels (id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    PRIMARY KEY (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    organization_id  TEXT NOT NULL REFERENCES organizations (id),
    title            TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'open',
    priority         TEXT NOT NULL DEFAULT 'medium',
    due_date         TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_by       TEXT NOT NULL DEFAULT '',
    assignee_id      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_org_status ON tasks (organization_id, status);
`

// Migrate creates the organization read model if it does not exist.
// Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlOrganization); err != nil {
		return fmt.Errorf("postgres migrate: organization schema: %w", err)
	}
	return nil
}
