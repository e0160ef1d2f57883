package peer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeText_RoundTrips(t *testing.T) {
	f, err := NewRequest(map[string]interface{}{"method": "ping"})
	require.NoError(t, err)

	encoded, err := EncodeText(f)
	require.NoError(t, err)

	decoded, err := DecodeText(encoded)
	require.NoError(t, err)
	require.Equal(t, f.ID, decoded.ID)
	require.Equal(t, KindRequest, decoded.Kind)
	require.JSONEq(t, string(f.Payload), string(decoded.Payload))
}

func TestEncodeDecodeText_PreservesPipesInPayload(t *testing.T) {
	f, err := NewResponse("corr-1", map[string]interface{}{"note": "a|b|c"})
	require.NoError(t, err)

	encoded, err := EncodeText(f)
	require.NoError(t, err)

	decoded, err := DecodeText(encoded)
	require.NoError(t, err)
	require.Equal(t, "corr-1", decoded.ID)
	require.Equal(t, KindResponse, decoded.Kind)
	require.JSONEq(t, string(f.Payload), string(decoded.Payload))
}

func TestDecodeText_RejectsMalformedFrames(t *testing.T) {
	_, err := DecodeText("no-separators-here")
	require.Error(t, err)

	_, err = DecodeText("id-only|")
	require.Error(t, err)

	_, err = DecodeText("|req|{}")
	require.Error(t, err)

	_, err = DecodeText("id|unknown-tag|{}")
	require.Error(t, err)
}

func TestIteratorFrames_MessageDoneError(t *testing.T) {
	msg, err := NewIteratorMessage("corr-1", map[string]interface{}{"order": 1}, &IteratorMeta{ID: "5-0"})
	require.NoError(t, err)
	payload, err := msg.UnmarshalIterator()
	require.NoError(t, err)
	require.Equal(t, IteratorMessage, payload.Event)
	require.Equal(t, "5-0", payload.Meta.ID)

	done, err := NewIteratorDone("corr-1", nil)
	require.NoError(t, err)
	donePayload, err := done.UnmarshalIterator()
	require.NoError(t, err)
	require.Equal(t, IteratorDone, donePayload.Event)
	require.Nil(t, donePayload.Data)

	errFrame, err := NewIteratorError("corr-1", &IteratorMeta{ID: "6-0"})
	require.NoError(t, err)
	errPayload, err := errFrame.UnmarshalIterator()
	require.NoError(t, err)
	require.Equal(t, IteratorError, errPayload.Event)
	require.Nil(t, errPayload.Data)
}

func TestUnmarshalIterator_RejectsNonIteratorFrame(t *testing.T) {
	f, err := NewRequest(map[string]interface{}{})
	require.NoError(t, err)
	_, err = f.UnmarshalIterator()
	require.Error(t, err)
}

func TestNewCorrelationID_ProducesUniqueIDs(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a)
}
