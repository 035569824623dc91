package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := &Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 0x1234,
		Token:     []byte{0xAB},
		Options: []Option{
			{Number: URIPath, Value: []byte("a")},
			{Number: ETag, Value: []byte{0xE1}},
		},
		Payload: []byte("hi"),
	}

	data, err := m.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.Code, got.Code)
	assert.Equal(t, m.MessageID, got.MessageID)
	assert.Equal(t, m.Token, got.Token)
	assert.Equal(t, m.Payload, got.Payload)
}

func TestMarshalSortsOptionsAscending(t *testing.T) {
	m := &Message{
		Type:      NonConfirmable,
		Code:      GET,
		MessageID: 1,
		Options: []Option{
			{Number: URIQuery, Value: []byte("b")},
			{Number: URIPath, Value: []byte("a")},
		},
	}

	data, err := m.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	require.Len(t, got.Options, 2)
	assert.Equal(t, URIPath, got.Options[0].Number)
	assert.Equal(t, URIQuery, got.Options[1].Number)

	prev := 0
	for _, o := range got.Options {
		assert.GreaterOrEqual(t, int(o.Number), prev, "options must be strictly non-decreasing on the wire")
		prev = int(o.Number)
	}
}

func TestMarshalNoPayloadOmitsMarker(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 7}
	data, err := m.Marshal()
	require.NoError(t, err)
	for _, b := range data {
		assert.NotEqual(t, byte(0xff), b)
	}
}

func TestMarshalExtendedOptionDelta(t *testing.T) {
	// Proxy-Uri (35) - 0 is < 269 so it exercises the one-byte extended
	// delta path (13 + ext) rather than the baseline nibble.
	m := &Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 1,
		Options: []Option{
			{Number: ProxyURI, Value: []byte("coap://[fe80::1%1]/a")},
		},
	}
	data, err := m.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, got.Options, 1)
	assert.Equal(t, ProxyURI, got.Options[0].Number)
	assert.Equal(t, []byte("coap://[fe80::1%1]/a"), got.Options[0].Value)
}

func TestMarshalOutOfOrderOptionsAccepted(t *testing.T) {
	// AddOption does not sort; Marshal re-sorts, so an out-of-order
	// Options slice should still marshal successfully (stable sort), not
	// error. This documents that Marshal is the safety net the orchestrator
	// relies on, not a hard requirement on callers.
	m := &Message{
		Type:      Confirmable,
		Code:      GET,
		MessageID: 1,
		Options: []Option{
			{Number: URIQuery, Value: []byte("q")},
			{Number: ETag, Value: []byte{1}},
		},
	}
	_, err := m.Marshal()
	require.NoError(t, err)
}

func TestUnmarshalTooShort(t *testing.T) {
	_, err := Unmarshal([]byte{0x40, 0x01})
	assert.ErrorIs(t, err, ErrMessageTooShort)
}

func TestGetOptionUint(t *testing.T) {
	m := &Message{}
	m.AddOptionUint(MaxAge, 120)
	v, ok := m.GetOptionUint(MaxAge)
	require.True(t, ok)
	assert.Equal(t, uint32(120), v)
}

func TestEncodeUintOmitsLeadingZeros(t *testing.T) {
	m := &Message{}
	m.AddOptionUint(MaxAge, 0)
	v, ok := m.GetOption(MaxAge)
	require.True(t, ok)
	assert.Empty(t, v, "zero-value uint option should encode as zero-length per RFC 7252 §3.2")
}

func TestCloneIsIndependent(t *testing.T) {
	m := &Message{
		Token:   []byte{1, 2},
		Payload: []byte("x"),
		Options: []Option{{Number: URIPath, Value: []byte("a")}},
	}
	c := m.Clone()
	c.Token[0] = 0xff
	c.Options[0].Value[0] = 'z'
	assert.Equal(t, byte(1), m.Token[0])
	assert.Equal(t, byte('a'), m.Options[0].Value[0])
}
