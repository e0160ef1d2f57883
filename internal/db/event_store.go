package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/flowstream/eventcore/internal/metrics"
)

// EventRecord is the embedded store's on-disk representation of a stored
// event: the serializer's (jsonValue, metaList) pair plus the monotone
// sequence number the durable object hands back as the event's id.
type EventRecord struct {
	Seq       int64
	Channel   string
	Payload   []byte
	Meta      []byte
	CreatedAt time.Time
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	channel    TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	meta       BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_channel_seq ON events(channel, seq);
`

// maxSafeSeq bounds the autoincrement counter well below sqlite's int64 rowid
// ceiling, so a schema reset can be triggered deliberately instead of ever
// hitting SQLITE_FULL on rowid exhaustion.
const maxSafeSeq = math.MaxInt64 / 2

func (c *Client) migrate(ctx context.Context) error {
	_, err := c.GetDB().ExecContext(ctx, schemaDDL)
	return err
}

// SaveEvent inserts a single event row and fills in the assigned sequence.
// An append failure -- including the sequence counter reaching
// maxSafeSeq -- triggers resetSchema and retries exactly once; a failure on
// the retry propagates. The reset drops all existing history and restarts
// ids from 1, per the overflow invariant: at-least-once delivery, not
// exactly-once, makes this an acceptable trade against halting the channel.
func (c *Client) SaveEvent(ctx context.Context, rec *EventRecord) error {
	if overflowing, err := c.NeedsSchemaReset(ctx); err == nil && overflowing {
		if err := c.resetSchemaAfterFailure(ctx); err != nil {
			return err
		}
	}

	id, err := c.insertEvent(ctx, rec)
	if err != nil {
		if resetErr := c.resetSchemaAfterFailure(ctx); resetErr != nil {
			return fmt.Errorf("insert event: %w (schema reset failed: %v)", err, resetErr)
		}
		id, err = c.insertEvent(ctx, rec)
		if err != nil {
			return fmt.Errorf("insert event after schema reset: %w", err)
		}
	}
	rec.Seq = id
	return nil
}

func (c *Client) insertEvent(ctx context.Context, rec *EventRecord) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO events (channel, payload, meta, created_at) VALUES (?, ?, ?, ?)`,
		rec.Channel, rec.Payload, rec.Meta, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read assigned seq: %w", err)
	}
	return id, nil
}

func (c *Client) resetSchemaAfterFailure(ctx context.Context) error {
	if err := c.ResetSchema(ctx); err != nil {
		return fmt.Errorf("reset schema: %w", err)
	}
	metrics.SchemaResetsTotal.Inc()
	return nil
}

// BatchSaveEvents inserts a batch of events inside one transaction.
func (c *Client) BatchSaveEvents(ctx context.Context, recs []*EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return c.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO events (channel, payload, meta, created_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare batch insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range recs {
			res, err := stmt.ExecContext(ctx, rec.Channel, rec.Payload, rec.Meta, rec.CreatedAt.Unix())
			if err != nil {
				return fmt.Errorf("batch insert event: %w", err)
			}
			if id, err := res.LastInsertId(); err == nil {
				rec.Seq = id
			}
		}
		return nil
	})
}

// LoadRange returns events for channel with seq > afterSeq, ordered oldest
// first, used to replay history during a resume before live delivery takes
// over. A limit of 0 means unbounded.
func (c *Client) LoadRange(ctx context.Context, channel string, afterSeq int64, limit int) ([]*EventRecord, error) {
	query := `SELECT seq, channel, payload, meta, created_at FROM events WHERE channel = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{channel, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load range: %w", err)
	}
	defer rows.Close()

	return scanEventRows(rows)
}

// LoadTail returns the most recent n events for channel, newest first --
// used to answer "what is the latest id" without a full scan.
func (c *Client) LoadTail(ctx context.Context, channel string, n int) ([]*EventRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq, channel, payload, meta, created_at FROM events WHERE channel = ? ORDER BY seq DESC LIMIT ?`,
		channel, n,
	)
	if err != nil {
		return nil, fmt.Errorf("load tail: %w", err)
	}
	defer rows.Close()

	return scanEventRows(rows)
}

// MaxSeq returns the current autoincrement watermark for channel, or 0 if the
// channel has never been written to.
func (c *Client) MaxSeq(ctx context.Context, channel string) (int64, error) {
	row, err := c.db.QueryRowContextCB(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE channel = ?`, channel)
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("scan max seq: %w", err)
	}
	return seq, nil
}

// NeedsSchemaReset reports whether the sequence counter has crept close
// enough to its safety ceiling that a reset should be scheduled before the
// next write.
func (c *Client) NeedsSchemaReset(ctx context.Context) (bool, error) {
	row, err := c.db.QueryRowContextCB(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`)
	if err != nil {
		return false, err
	}
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return false, fmt.Errorf("scan max seq: %w", err)
	}
	return seq >= maxSafeSeq, nil
}

// ResetSchema drops and recreates the events table, restarting the sequence
// from zero. Callers must already have stopped accepting new subscribers on
// the affected channels and must treat every existing lastEventId as expired
// after this call returns.
func (c *Client) ResetSchema(ctx context.Context) error {
	return c.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS events`); err != nil {
			return fmt.Errorf("drop events table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
			return fmt.Errorf("recreate events table: %w", err)
		}
		return nil
	})
}

// HasEventsAfter reports whether any event across any channel was stored
// at or after cutoff, used by the inactivity alarm to decide whether a
// durable object instance still holds state worth keeping.
func (c *Client) HasEventsAfter(ctx context.Context, cutoff time.Time) (bool, error) {
	row, err := c.db.QueryRowContextCB(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE created_at >= ?)`, cutoff.Unix())
	if err != nil {
		return false, err
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("scan has events after: %w", err)
	}
	return exists, nil
}

// DeleteBefore removes events older than cutoff across all channels,
// implementing the embedded store's retention sweep. It returns the number
// of rows removed.
func (c *Client) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	return res.RowsAffected()
}

func scanEventRows(rows *sql.Rows) ([]*EventRecord, error) {
	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var createdAt int64
		if err := rows.Scan(&rec.Seq, &rec.Channel, &rec.Payload, &rec.Meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}
