package protocol

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"subscribe:location","lat":28.61,"lon":77.21}`))
	require.NoError(t, err)
	loc, ok := msg.(*SubscribeLocationMessage)
	require.True(t, ok)
	assert.InDelta(t, 28.61, *loc.Lat, 1e-9)

	msg, err = ParseMessage([]byte(`{"type":"subscribe:station","station_id":"S1"}`))
	require.NoError(t, err)
	assert.Equal(t, "S1", msg.(*SubscribeStationMessage).StationID)

	msg, err = ParseMessage([]byte(`{"type":"unsubscribe:all"}`))
	require.NoError(t, err)
	assert.IsType(t, &UnsubscribeAllMessage{}, msg)
}

func TestParseMessage_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":         `hello`,
		"unknown type":     `{"type":"identify"}`,
		"missing lon":      `{"type":"subscribe:location","lat":10}`,
		"lat out of range": `{"type":"subscribe:location","lat":91,"lon":0}`,
		"empty station":    `{"type":"subscribe:station","station_id":""}`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	data, err := EncodeEvent(MsgTypeUpdate, UpdateData{Source: "cpcb", Count: 3})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "aqi:update", decoded["type"])
	body := decoded["data"].(map[string]interface{})
	assert.Equal(t, "cpcb", body["source"])
	assert.Equal(t, float64(3), body["count"])
}
