package asyncq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	queue TEXT NOT NULL,
	body  BLOB NOT NULL,
	state TEXT NOT NULL DEFAULT 'ready'
);
CREATE INDEX IF NOT EXISTS queue_ready ON queue(queue, state, id);
CREATE TABLE IF NOT EXISTS kv (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_by_message ON events(message_id, id);
`

// sqlitePollInterval is how often Consume re-checks for a ready row.
const sqlitePollInterval = 50 * time.Millisecond

// SQLiteQueue is a single-file broker plus control plane for deployments
// without Redis. One writer at a time; the driver serializes the rest.
type SQLiteQueue struct {
	db *sql.DB
}

// OpenSQLiteQueue opens (and migrates) the queue database at path. Use
// ":memory:" for tests.
func OpenSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("asyncq: open sqlite queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("asyncq: migrate sqlite queue: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) Publish(ctx context.Context, queue string, body []byte) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue (queue, body) VALUES (?, ?)`, queue, body)
	if err != nil {
		return fmt.Errorf("asyncq: publish to %s: %w", queue, err)
	}
	return nil
}

func (q *SQLiteQueue) Consume(ctx context.Context, queue string) (*Delivery, error) {
	for {
		var id int64
		var body []byte
		err := q.db.QueryRowContext(ctx, `
			UPDATE queue SET state = 'pending'
			WHERE id = (SELECT id FROM queue WHERE queue = ? AND state = 'ready' ORDER BY id LIMIT 1)
			RETURNING id, body`, queue).Scan(&id, &body)
		if err == nil {
			return &Delivery{Queue: queue, Body: body, row: id}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asyncq: consume %s: %w", queue, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sqlitePollInterval):
		}
	}
}

func (q *SQLiteQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, d.row)
	return err
}

// --- control plane ---

func (q *SQLiteQueue) getKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (q *SQLiteQueue) setKV(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		key, value)
	return err
}

func (q *SQLiteQueue) SetStatus(ctx context.Context, id, state string, fields map[string]any) error {
	current, _ := q.GetStatus(ctx, id)
	if current == nil {
		current = map[string]any{}
	}
	for k, v := range fields {
		current[k] = v
	}
	current["state"] = state
	current["updated_at"] = protocol.NowISO()
	body, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("asyncq: encode status: %w", err)
	}
	return q.setKV(ctx, statusKey(id), string(body))
}

func (q *SQLiteQueue) GetStatus(ctx context.Context, id string) (map[string]any, error) {
	raw, ok, err := q.getKV(ctx, statusKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("asyncq: decode status: %w", err)
	}
	return status, nil
}

func (q *SQLiteQueue) AppendEvent(ctx context.Context, id, eventType string, payload map[string]any) error {
	entry := map[string]any{
		"ts":         protocol.NowISO(),
		"event_type": eventType,
		"payload":    payload,
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("asyncq: encode event: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO events (message_id, body) VALUES (?, ?)`, id, string(body))
	return err
}

func (q *SQLiteQueue) Events(ctx context.Context, id string) ([]map[string]any, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT body FROM events WHERE message_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) ClaimIdempotency(ctx context.Context, nodeID, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO kv (k, v) VALUES (?, '1') ON CONFLICT(k) DO NOTHING`,
		idempotencyKey(nodeID, id))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (q *SQLiteQueue) ReleaseIdempotency(ctx context.Context, nodeID, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, idempotencyKey(nodeID, id))
	return err
}

func (q *SQLiteQueue) IncrSideEffect(ctx context.Context, nodeID, id string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO kv (k, v) VALUES (?, '1')
		ON CONFLICT(k) DO UPDATE SET v = CAST(v AS INTEGER) + 1
		RETURNING CAST(v AS INTEGER)`,
		sideEffectKey(nodeID, id)).Scan(&count)
	return count, err
}

func (q *SQLiteQueue) SideEffectCount(ctx context.Context, nodeID, id string) (int64, error) {
	raw, ok, err := q.getKV(ctx, sideEffectKey(nodeID, id))
	if err != nil || !ok {
		return 0, err
	}
	var count int64
	if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
		return 0, fmt.Errorf("asyncq: parse side-effect counter: %w", err)
	}
	return count, nil
}

func (q *SQLiteQueue) CacheResponse(ctx context.Context, nodeID, id string, body []byte) error {
	return q.setKV(ctx, nodeResponseKey(nodeID, id), string(body))
}

func (q *SQLiteQueue) CachedResponse(ctx context.Context, nodeID, id string) ([]byte, error) {
	raw, ok, err := q.getKV(ctx, nodeResponseKey(nodeID, id))
	if err != nil || !ok {
		return nil, err
	}
	return []byte(raw), nil
}
