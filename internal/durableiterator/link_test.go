package durableiterator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/flowstream/eventcore/internal/peer"
)

func TestURLSupplier_EmbedsFreshTokenEachCall(t *testing.T) {
	calls := 0
	supplier := NewURLSupplier("ws://example.test/stream", func(ctx context.Context) (string, error) {
		calls++
		return "tok-" + string(rune('a'+calls-1)), nil
	})

	first, err := supplier.Next(context.Background())
	require.NoError(t, err)
	second, err := supplier.Next(context.Background())
	require.NoError(t, err)

	u1, _ := url.Parse(first)
	u2, _ := url.Parse(second)
	require.Equal(t, "tok-a", u1.Query().Get(TokenParam))
	require.Equal(t, "tok-b", u2.Query().Get(TokenParam))
	require.Equal(t, 2, calls)
}

func TestOpen_StreamsDecodedItemsFromWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`1:hello`)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`2:world`)))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	supplier := NewURLSupplier(wsURL, func(ctx context.Context) (string, error) { return "tok", nil })

	decode := func(raw []byte) (string, string, error) {
		s := string(raw)
		return s[2:], s[:1], nil
	}

	open := Open[string](supplier, decode, "last_event_id", nil)
	items, errs, err := open(context.Background(), "")
	require.NoError(t, err)

	var got []string
	for item := range items {
		got = append(got, item.Payload.(string))
	}
	require.Equal(t, []string{"hello", "world"}, got)

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for errs")
	}
}

func TestOpen_StreamsPeerFramesFromWebsocket(t *testing.T) {
	type chatMessage struct {
		Text string `json:"text"`
	}

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		corrID := peer.NewCorrelationID()
		for i, text := range []string{"hello", "world"} {
			frame, err := peer.NewIteratorMessage(corrID, chatMessage{Text: text}, &peer.IteratorMeta{ID: strconv.Itoa(i + 1)})
			require.NoError(t, err)
			wire, err := peer.EncodeText(frame)
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(wire)))
		}
		doneFrame, err := peer.NewIteratorDone(corrID, nil)
		require.NoError(t, err)
		doneWire, err := peer.EncodeText(doneFrame)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(doneWire)))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):]
	supplier := NewURLSupplier(wsURL, func(ctx context.Context) (string, error) { return "tok", nil })

	var dropped []error
	open := Open[chatMessage](supplier, DecodePeerFrame[chatMessage], "last_event_id", func(err error) {
		dropped = append(dropped, err)
	})
	items, errs, err := open(context.Background(), "")
	require.NoError(t, err)

	var got []string
	var ids []string
	for item := range items {
		msg := item.Payload.(chatMessage)
		got = append(got, msg.Text)
		ids = append(ids, item.EventID)
	}
	require.Equal(t, []string{"hello", "world"}, got)
	require.Equal(t, []string{"1", "2"}, ids)
	require.Len(t, dropped, 1) // the done frame surfaces as a dropped (io.EOF) frame, not a fatal error

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for errs")
	}
}

func TestUpgrade_MarkAndDetect(t *testing.T) {
	h := http.Header{}
	require.False(t, IsUpgradeResponse(h))
	MarkUpgradeResponse(h)
	require.True(t, IsUpgradeResponse(h))
}
