package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConnectionDB handles the push-notification Subscriber table. An
// out-of-scope edge service is the actual consumer, so this package only
// provides enough to keep the contract honest: create on subscribe, expire
// on TTL, and look subscribers up by session or owner for fan-out.
type ConnectionDB struct {
	db *sql.DB
}

// NewConnectionDB creates a new ConnectionDB instance.
func NewConnectionDB(db *sql.DB) *ConnectionDB {
	return &ConnectionDB{db: db}
}

// Put upserts a subscriber record.
func (c *ConnectionDB) Put(ctx context.Context, conn *Connection) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO connections (connection_id, session_id, owner_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`
	_, err := c.db.ExecContext(ctx, query, conn.ConnectionID, conn.SessionID, conn.OwnerID, conn.ExpiresAt, conn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put connection %s: %w", conn.ConnectionID, err)
	}
	return nil
}

// ListBySession returns subscribers for a session id.
func (c *ConnectionDB) ListBySession(ctx context.Context, sessionID string) ([]*Connection, error) {
	return c.query(ctx, `SELECT connection_id, session_id, owner_id, expires_at, created_at FROM connections WHERE session_id = $1`, sessionID)
}

// ListByOwner returns subscribers for an owner id.
func (c *ConnectionDB) ListByOwner(ctx context.Context, ownerID string) ([]*Connection, error) {
	return c.query(ctx, `SELECT connection_id, session_id, owner_id, expires_at, created_at FROM connections WHERE owner_id = $1`, ownerID)
}

// DeleteExpired removes subscriber records past their TTL.
func (c *ConnectionDB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM connections WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired connections: %w", err)
	}
	return result.RowsAffected()
}

func (c *ConnectionDB) query(ctx context.Context, query string, arg string) ([]*Connection, error) {
	rows, err := c.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		conn := &Connection{}
		if err := rows.Scan(&conn.ConnectionID, &conn.SessionID, &conn.OwnerID, &conn.ExpiresAt, &conn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection rows: %w", err)
	}
	return conns, nil
}
