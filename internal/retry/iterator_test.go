package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResumableIterator_StitchesAcrossRestart(t *testing.T) {
	var opens int
	open := func(ctx context.Context, lastEventID string) (<-chan IteratorItem, <-chan error, error) {
		opens++
		items := make(chan IteratorItem, 4)
		errs := make(chan error, 1)

		switch lastEventID {
		case "":
			items <- IteratorItem{EventID: "1", Payload: 1}
			items <- IteratorItem{EventID: "2", Payload: 2}
			close(items)
			errs <- errBoom // connection dropped after delivering 1, 2
		case "2":
			items <- IteratorItem{EventID: "3", Payload: 3}
			close(items)
			errs <- nil // stream ends cleanly
		default:
			t.Fatalf("unexpected resume point %q", lastEventID)
		}
		return items, errs, nil
	}

	ri := NewResumableIterator(context.Background(), open, Context{
		MaxAttempts: 3,
		DelayPolicy: func(int, error) time.Duration { return time.Millisecond },
	})

	var got []string
	for item := range ri.Items() {
		got = append(got, item.EventID)
	}

	require.Equal(t, []string{"1", "2", "3"}, got)
	require.Equal(t, 2, opens)

	select {
	case err, open := <-ri.Err():
		require.False(t, open)
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Err channel to close")
	}
}

func TestResumableIterator_SurfacesExhaustedRetryError(t *testing.T) {
	open := func(ctx context.Context, lastEventID string) (<-chan IteratorItem, <-chan error, error) {
		return nil, nil, errBoom
	}

	ri := NewResumableIterator(context.Background(), open, Context{
		MaxAttempts: 2,
		DelayPolicy: func(int, error) time.Duration { return time.Millisecond },
	})

	for range ri.Items() {
		t.Fatal("expected no items")
	}

	select {
	case err := <-ri.Err():
		require.ErrorIs(t, err, errBoom)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}
