package serializer

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializer_RoundTripsPlainValues(t *testing.T) {
	s := New()
	in := map[string]interface{}{"order": float64(1), "tags": []interface{}{"a", "b"}}

	jsonValue, meta, err := s.Serialize(in)
	require.NoError(t, err)
	require.Empty(t, meta)

	out, err := s.Deserialize(jsonValue, meta)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestSerializer_RoundTripsDate(t *testing.T) {
	s := New()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	jsonValue, meta, err := s.Serialize(map[string]interface{}{"createdAt": now})
	require.NoError(t, err)
	require.Len(t, meta, 1)
	require.Equal(t, TagDate, meta[0].TypeTag)

	out, err := s.Deserialize(jsonValue, meta)
	require.NoError(t, err)
	outMap := out.(map[string]interface{})
	require.True(t, now.Equal(outMap["createdAt"].(time.Time)))
}

func TestSerializer_RoundTripsBigIntAndBytesAndSet(t *testing.T) {
	s := New()
	big1, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	in := map[string]interface{}{
		"amount": big1,
		"blob":   []byte("hello"),
		"tags":   Set{"x", "y"},
	}

	jsonValue, meta, err := s.Serialize(in)
	require.NoError(t, err)
	require.Len(t, meta, 3)

	out, err := s.Deserialize(jsonValue, meta)
	require.NoError(t, err)
	outMap := out.(map[string]interface{})
	require.Equal(t, 0, big1.Cmp(outMap["amount"].(*big.Int)))
	require.Equal(t, []byte("hello"), outMap["blob"].([]byte))
	require.ElementsMatch(t, Set{"x", "y"}, outMap["tags"].(Set))
}

func TestSerializer_RoundTripsUndefinedSentinel(t *testing.T) {
	s := New()
	jsonValue, meta, err := s.Serialize(map[string]interface{}{"missing": Undefined{}})
	require.NoError(t, err)
	require.Len(t, meta, 1)

	out, err := s.Deserialize(jsonValue, meta)
	require.NoError(t, err)
	require.Equal(t, Undefined{}, out.(map[string]interface{})["missing"])
}

type point struct{ X, Y int }

func TestSerializer_CustomRegistrationRoundTrips(t *testing.T) {
	s := New()
	const tagPoint = 100
	s.Register(Registration{
		TypeTag:   tagPoint,
		Condition: func(v interface{}) bool { _, ok := v.(point); return ok },
		Serialize: func(v interface{}) (interface{}, error) {
			p := v.(point)
			return []interface{}{float64(p.X), float64(p.Y)}, nil
		},
		Deserialize: func(raw interface{}) (interface{}, error) {
			arr := raw.([]interface{})
			return point{X: int(arr[0].(float64)), Y: int(arr[1].(float64))}, nil
		},
	})

	jsonValue, meta, err := s.Serialize(map[string]interface{}{"p": point{X: 1, Y: 2}})
	require.NoError(t, err)
	require.Len(t, meta, 1)
	require.Equal(t, tagPoint, meta[0].TypeTag)

	out, err := s.Deserialize(jsonValue, meta)
	require.NoError(t, err)
	require.Equal(t, point{X: 1, Y: 2}, out.(map[string]interface{})["p"])
}

func TestSerializer_RegisterPanicsOnReservedTag(t *testing.T) {
	s := New()
	require.Panics(t, func() {
		s.Register(Registration{TypeTag: TagDate})
	})
}

func TestSerializer_RoundTripsNonStringKeyedMap(t *testing.T) {
	s := New()
	in := map[interface{}]interface{}{float64(1): "one", float64(2): "two"}

	jsonValue, meta, err := s.Serialize(in)
	require.NoError(t, err)
	require.Len(t, meta, 1)
	require.Equal(t, TagMap, meta[0].TypeTag)

	out, err := s.Deserialize(jsonValue, meta)
	require.NoError(t, err)
	require.Equal(t, in, out)
}
