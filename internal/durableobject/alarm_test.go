package durableobject

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flowstream/eventcore/internal/db"
)

func TestAlarm_SweepEvictsEventsOlderThanRetention(t *testing.T) {
	client, err := db.NewClient(&db.Config{Path: ":memory:?cache=shared", MaxConnections: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	old := &db.EventRecord{Channel: "room-1", Payload: []byte("{}"), CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, client.SaveEvent(context.Background(), old))
	fresh := &db.EventRecord{Channel: "room-1", Payload: []byte("{}"), CreatedAt: time.Now()}
	require.NoError(t, client.SaveEvent(context.Background(), fresh))

	hub := New(Config{Store: client, Logger: zaptest.NewLogger(t)})
	alarm := NewAlarm(hub, AlarmConfig{RetentionWindow: 30 * time.Minute, InactivityThreshold: time.Hour}, zaptest.NewLogger(t))

	alarm.sweep(context.Background())

	remaining, err := client.LoadRange(context.Background(), "room-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, fresh.Seq, remaining[0].Seq)
}

func TestAlarm_FireDeletesStateWhenNoSubscribersOrLiveEvents(t *testing.T) {
	client, err := db.NewClient(&db.Config{Path: ":memory:?cache=shared", MaxConnections: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	old := &db.EventRecord{Channel: "room-1", Payload: []byte("{}"), CreatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, client.SaveEvent(context.Background(), old))

	hub := New(Config{Store: client, Logger: zaptest.NewLogger(t)})
	alarm := NewAlarm(hub, AlarmConfig{RetentionWindow: time.Minute, InactivityThreshold: time.Minute}, zaptest.NewLogger(t))

	alarm.fire(context.Background())

	maxSeq, err := client.MaxSeq(context.Background(), "room-1")
	require.NoError(t, err)
	require.Zero(t, maxSeq)
}

func TestAlarm_FireReschedulesWhenSubscribersPresent(t *testing.T) {
	client, err := db.NewClient(&db.Config{Path: ":memory:?cache=shared", MaxConnections: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	hub := New(Config{Store: client, Logger: zaptest.NewLogger(t)})
	hub.sockets["room-1"] = map[*attachment]struct{}{{}: {}}

	alarm := NewAlarm(hub, AlarmConfig{RetentionWindow: time.Minute, InactivityThreshold: time.Minute}, zaptest.NewLogger(t))
	before := alarm.armedAt
	time.Sleep(time.Millisecond)
	alarm.fire(context.Background())
	require.True(t, alarm.armedAt.After(before))
}
