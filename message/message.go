// Package message defines the wire format for sensor readings and turns
// framed byte payloads into structured readings.
//
// A payload is one JSON object carrying a sensor name, a timestamp, and
// zero or more measurement fields. Unknown fields are ignored so that newer
// device firmware can send fields this daemon does not yet know about.
package message

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/pkg/timestamp"
)

// Kind identifies one measurement kind. Each kind maps to its own table in
// the store.
type Kind string

// The measurement kinds a reading may carry.
const (
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
	KindPressure    Kind = "pressure"
	KindIlluminance Kind = "illuminance"
	KindUVIndex     Kind = "uv_index"
	KindUVA         Kind = "uva"
	KindUVB         Kind = "uvb"
)

// Kinds lists every measurement kind in schema order.
func Kinds() []Kind {
	return []Kind{
		KindTemperature,
		KindHumidity,
		KindPressure,
		KindIlluminance,
		KindUVIndex,
		KindUVA,
		KindUVB,
	}
}

// Reading is one decoded sensor message. Values holds only the measurement
// kinds present in the source payload; a reading with no values is valid
// and results in a record with no measurement rows.
type Reading struct {
	SensorName string
	Timestamp  time.Time
	Values     map[Kind]float64
}

// Has reports whether the reading carries the given kind.
func (r *Reading) Has(kind Kind) bool {
	_, ok := r.Values[kind]
	return ok
}

// wireReading mirrors the JSON sent by devices. Measurement fields are
// pointers so absent and zero-valued fields can be told apart.
type wireReading struct {
	SensorName  string   `json:"sensor_name"`
	Timestamp   any      `json:"timestamp"`
	Temperature *float64 `json:"temperature_celsius"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
	Illuminance *float64 `json:"illuminance"`
	UVIndex     *float64 `json:"uv_index"`
	UVA         *float64 `json:"uva"`
	UVB         *float64 `json:"uvb"`
}

// Decode parses one framed payload into a Reading. Payloads that are not
// well-formed JSON, or that lack a sensor name or timestamp, are rejected
// with an invalid-class error and must not reach the store.
func Decode(payload []byte) (*Reading, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, errors.WrapInvalid(errors.ErrDecodeFailed,
			"message", "Decode", "reject empty payload")
	}

	var wire wireReading
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, errors.WrapInvalid(err, "message", "Decode", "parse JSON payload")
	}

	if wire.SensorName == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingSensor,
			"message", "Decode", "validate payload")
	}
	if wire.Timestamp == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingTimestamp,
			"message", "Decode", "validate payload")
	}

	ts, err := timestamp.Parse(wire.Timestamp)
	if err != nil {
		return nil, errors.WrapInvalid(err, "message", "Decode", "parse timestamp")
	}

	reading := &Reading{
		SensorName: wire.SensorName,
		Timestamp:  ts,
		Values:     make(map[Kind]float64),
	}

	setIfPresent := func(kind Kind, value *float64) {
		if value != nil {
			reading.Values[kind] = *value
		}
	}
	setIfPresent(KindTemperature, wire.Temperature)
	setIfPresent(KindHumidity, wire.Humidity)
	setIfPresent(KindPressure, wire.Pressure)
	setIfPresent(KindIlluminance, wire.Illuminance)
	setIfPresent(KindUVIndex, wire.UVIndex)
	setIfPresent(KindUVA, wire.UVA)
	setIfPresent(KindUVB, wire.UVB)

	return reading, nil
}
