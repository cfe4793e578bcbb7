package bridge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultChannel is the notify channel all relay processes share.
const DefaultChannel = "relay_events"

// PostgresTransport opens notify sessions against Postgres. Each session
// is a dedicated connection outside any pool: LISTEN state is per-session,
// so the session must never be returned to a pool or multiplexed.
type PostgresTransport struct {
	dsn     string
	channel string
}

// NewPostgresTransport creates a transport for the given DSN and channel.
// An empty channel uses DefaultChannel.
func NewPostgresTransport(dsn, channel string) *PostgresTransport {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresTransport{dsn: dsn, channel: channel}
}

// Connect dials a fresh connection and starts listening on the channel.
func (t *PostgresTransport) Connect(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, t.dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting notify session: %w", err)
	}

	// LISTEN takes an identifier, not a bind parameter.
	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen on %q: %w", t.channel, err)
	}

	return &postgresConn{conn: conn, channel: t.channel}, nil
}

type postgresConn struct {
	conn    *pgx.Conn
	channel string
}

// WaitForNotification blocks until a notify lands on the session.
// Cancelling ctx wakes the wait and leaves the connection usable, which
// is how the bridge interleaves sends on the same session.
func (c *postgresConn) WaitForNotification(ctx context.Context) (string, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

// Notify publishes payload to every session listening on the channel.
// pg_notify delivers back to this session too since it listens on the
// same channel.
func (c *postgresConn) Notify(ctx context.Context, payload string) error {
	if _, err := c.conn.Exec(ctx, "select pg_notify($1, $2)", c.channel, payload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (c *postgresConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
