package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Oberacda/dblogd/errors"
)

func TestDecode_FullReading(t *testing.T) {
	payload := []byte(`{
		"sensor_name": "porch-1",
		"timestamp": "2024-01-01T00:00:00Z",
		"temperature_celsius": 21.5,
		"humidity": 40.2,
		"pressure": 1013.25,
		"illuminance": 5020.0,
		"uv_index": 3.1,
		"uva": 12.4,
		"uvb": 0.8
	}`)

	r, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, "porch-1", r.SensorName)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), r.Timestamp)
	assert.Len(t, r.Values, 7)
	assert.Equal(t, 21.5, r.Values[KindTemperature])
	assert.Equal(t, 40.2, r.Values[KindHumidity])
	assert.Equal(t, 1013.25, r.Values[KindPressure])
	assert.Equal(t, 5020.0, r.Values[KindIlluminance])
	assert.Equal(t, 3.1, r.Values[KindUVIndex])
	assert.Equal(t, 12.4, r.Values[KindUVA])
	assert.Equal(t, 0.8, r.Values[KindUVB])
}

func TestDecode_PartialReading(t *testing.T) {
	payload := []byte(`{"sensor_name":"porch-1","timestamp":"2024-01-01T00:00:00Z","temperature_celsius":21.5,"humidity":40.2}`)

	r, err := Decode(payload)
	require.NoError(t, err)

	assert.Len(t, r.Values, 2)
	assert.True(t, r.Has(KindTemperature))
	assert.True(t, r.Has(KindHumidity))
	assert.False(t, r.Has(KindPressure))
}

func TestDecode_NoMeasurements(t *testing.T) {
	// Syntactically valid; the store will create a record with no
	// measurement rows.
	payload := []byte(`{"sensor_name":"porch-1","timestamp":"2024-01-01T00:00:00Z"}`)

	r, err := Decode(payload)
	require.NoError(t, err)
	assert.Empty(t, r.Values)
}

func TestDecode_ZeroValuesArePresent(t *testing.T) {
	payload := []byte(`{"sensor_name":"roof-2","timestamp":"2024-01-01T00:00:00Z","temperature_celsius":0,"uv_index":0}`)

	r, err := Decode(payload)
	require.NoError(t, err)

	assert.True(t, r.Has(KindTemperature))
	assert.Zero(t, r.Values[KindTemperature])
	assert.True(t, r.Has(KindUVIndex))
}

func TestDecode_UnixMillisTimestamp(t *testing.T) {
	payload := []byte(`{"sensor_name":"porch-1","timestamp":1704067200000,"humidity":40.2}`)

	r, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), r.Timestamp)
}

func TestDecode_UnknownFieldsIgnored(t *testing.T) {
	payload := []byte(`{"sensor_name":"porch-1","timestamp":"2024-01-01T00:00:00Z","humidity":40.2,"battery_mv":3100,"firmware":"2.4.1"}`)

	r, err := Decode(payload)
	require.NoError(t, err)
	assert.Len(t, r.Values, 1)
}

func TestDecode_SurroundingWhitespace(t *testing.T) {
	payload := []byte("\r\n  {\"sensor_name\":\"porch-1\",\"timestamp\":\"2024-01-01T00:00:00Z\"}  \r\n")

	_, err := Decode(payload)
	assert.NoError(t, err)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"whitespace only", "   \r\n"},
		{"not JSON", "temperature=21.5"},
		{"truncated JSON", `{"sensor_name":"porch-1","timestamp"`},
		{"missing sensor name", `{"timestamp":"2024-01-01T00:00:00Z","humidity":40.2}`},
		{"empty sensor name", `{"sensor_name":"","timestamp":"2024-01-01T00:00:00Z"}`},
		{"missing timestamp", `{"sensor_name":"porch-1","humidity":40.2}`},
		{"unparseable timestamp", `{"sensor_name":"porch-1","timestamp":"yesterday"}`},
		{"non-numeric measurement", `{"sensor_name":"porch-1","timestamp":"2024-01-01T00:00:00Z","humidity":"wet"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Decode([]byte(tt.payload))
			require.Error(t, err)
			assert.Nil(t, r)
			assert.True(t, errors.IsInvalid(err), "decode failures must be invalid-class")
		})
	}
}

func TestKinds_Complete(t *testing.T) {
	assert.Len(t, Kinds(), 7)
}
