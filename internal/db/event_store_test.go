package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flowstream/eventcore/internal/circuitbreaker"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(&Config{Path: ":memory:?cache=shared", MaxConnections: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_SaveAndLoadRange(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := &EventRecord{
			Channel:   "room-1",
			Payload:   []byte(`{"n":1}`),
			CreatedAt: time.Now(),
		}
		require.NoError(t, c.SaveEvent(ctx, rec))
		require.Greater(t, rec.Seq, int64(0))
	}

	recs, err := c.LoadRange(ctx, "room-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.True(t, recs[0].Seq < recs[1].Seq && recs[1].Seq < recs[2].Seq)

	resumed, err := c.LoadRange(ctx, "room-1", recs[0].Seq, 0)
	require.NoError(t, err)
	require.Len(t, resumed, 2)
}

func TestClient_LoadTailReturnsNewestFirst(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	var last *EventRecord
	for i := 0; i < 5; i++ {
		rec := &EventRecord{Channel: "room-1", Payload: []byte("x"), CreatedAt: time.Now()}
		require.NoError(t, c.SaveEvent(ctx, rec))
		last = rec
	}

	tail, err := c.LoadTail(ctx, "room-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, last.Seq, tail[0].Seq)
}

func TestClient_DeleteBeforeSweepsOldEvents(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	old := &EventRecord{Channel: "room-1", Payload: []byte("old"), CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &EventRecord{Channel: "room-1", Payload: []byte("fresh"), CreatedAt: time.Now()}
	require.NoError(t, c.SaveEvent(ctx, old))
	require.NoError(t, c.SaveEvent(ctx, fresh))

	n, err := c.DeleteBefore(ctx, time.Now().Add(-1*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	remaining, err := c.LoadRange(ctx, "room-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, fresh.Seq, remaining[0].Seq)
}

func TestClient_ResetSchemaRestartsSequence(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	rec := &EventRecord{Channel: "room-1", Payload: []byte("x"), CreatedAt: time.Now()}
	require.NoError(t, c.SaveEvent(ctx, rec))
	require.NoError(t, c.ResetSchema(ctx))

	max, err := c.MaxSeq(ctx, "room-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), max)

	rec2 := &EventRecord{Channel: "room-1", Payload: []byte("y"), CreatedAt: time.Now()}
	require.NoError(t, c.SaveEvent(ctx, rec2))
	require.Equal(t, int64(1), rec2.Seq)
}

// TestClient_SaveEventResetsSchemaAndRetriesOnceAfterFailure exercises the
// §4.4 append-failure path against a sqlmock connection, since a real
// sqlite file won't fail an insert on demand: a first insert attempt fails
// (simulating disk full / id overflow), SaveEvent resets the schema and
// retries exactly once, and the retry succeeds.
func TestClient_SaveEventResetsSchemaAndRetriesOnceAfterFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	logger := zaptest.NewLogger(t)
	c := &Client{db: circuitbreaker.NewDatabaseWrapper(mockDB, logger), logger: logger}
	ctx := context.Background()

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectBegin()
	mock.ExpectExec(`DROP TABLE IF EXISTS events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &EventRecord{Channel: "room-1", Payload: []byte("x"), CreatedAt: time.Now()}
	require.NoError(t, c.SaveEvent(ctx, rec))
	require.Equal(t, int64(1), rec.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestClient_SaveEventResetsSchemaWhenSequenceNearsCeiling covers the
// proactive half of the same invariant: SaveEvent resets the schema before
// even attempting an insert once NeedsSchemaReset reports the sequence is
// at maxSafeSeq, rather than waiting for sqlite to actually fail.
func TestClient_SaveEventResetsSchemaWhenSequenceNearsCeiling(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	logger := zaptest.NewLogger(t)
	c := &Client{db: circuitbreaker.NewDatabaseWrapper(mockDB, logger), logger: logger}
	ctx := context.Background()

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(maxSafeSeq))
	mock.ExpectBegin()
	mock.ExpectExec(`DROP TABLE IF EXISTS events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &EventRecord{Channel: "room-1", Payload: []byte("x"), CreatedAt: time.Now()}
	require.NoError(t, c.SaveEvent(ctx, rec))
	require.Equal(t, int64(1), rec.Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}
