package message

import (
	"fmt"
	"time"

	"github.com/sensate-iot/platform-router/errors"
)

// Kind identifies the variant of a PlatformMessage.
type Kind int

const (
	// KindMeasurement marks a Measurement.
	KindMeasurement Kind = iota
	// KindMessage marks a TextMessage.
	KindMessage
	// KindControl marks a ControlMessage.
	KindControl
)

// String returns the type marker used in topic names.
func (k Kind) String() string {
	switch k {
	case KindMeasurement:
		return "measurements"
	case KindMessage:
		return "messages"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. It also accepts the singular forms.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "measurements", "measurement":
		return KindMeasurement, nil
	case "messages", "message":
		return KindMessage, nil
	case "control", "controls":
		return KindControl, nil
	default:
		return 0, errors.WrapInvalid(fmt.Errorf("unknown message kind %q", s), "message", "ParseKind", "parse kind")
	}
}

// PlatformMessage is the tagged union over Measurement, TextMessage and
// ControlMessage.
type PlatformMessage interface {
	Kind() Kind
	Source() string
	Validate() error
}

// GeoLocation is a WGS84 coordinate.
type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the coordinate ranges.
func (g *GeoLocation) Validate() error {
	if g == nil {
		return nil
	}
	if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
		return errors.WrapInvalid(
			fmt.Errorf("coordinate (%f, %f) out of range", g.Latitude, g.Longitude),
			"GeoLocation", "Validate", "check range")
	}
	return nil
}

// DataPoint is a single named value inside a Measurement.
type DataPoint struct {
	Value     float64  `json:"value"`
	Unit      string   `json:"unit,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Measurement carries numeric datapoints keyed by name.
type Measurement struct {
	SensorID     string               `json:"sensor_id"`
	Data         map[string]DataPoint `json:"data"`
	Location     *GeoLocation         `json:"location,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	PlatformTime time.Time            `json:"platform_time"`
}

// Kind implements PlatformMessage.
func (m *Measurement) Kind() Kind { return KindMeasurement }

// Source implements PlatformMessage.
func (m *Measurement) Source() string { return m.SensorID }

// Validate implements PlatformMessage.
func (m *Measurement) Validate() error {
	if m.SensorID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Measurement", "Validate", "sensor id required")
	}
	if len(m.Data) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Measurement", "Validate", "at least one datapoint required")
	}
	return m.Location.Validate()
}

// TextMessage carries a text payload.
type TextMessage struct {
	SensorID     string       `json:"sensor_id"`
	Data         string       `json:"data"`
	Location     *GeoLocation `json:"location,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	PlatformTime time.Time    `json:"platform_time"`
}

// Kind implements PlatformMessage.
func (m *TextMessage) Kind() Kind { return KindMessage }

// Source implements PlatformMessage.
func (m *TextMessage) Source() string { return m.SensorID }

// Validate implements PlatformMessage.
func (m *TextMessage) Validate() error {
	if m.SensorID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "TextMessage", "Validate", "sensor id required")
	}
	return m.Location.Validate()
}

// Destination is the delivery class of a ControlMessage.
type Destination int

const (
	// DestinationMQTT delivers the command over the device broker.
	DestinationMQTT Destination = iota
	// DestinationHTTP delivers the command through an HTTP callback.
	DestinationHTTP
)

// String returns the lowercase destination name.
func (d Destination) String() string {
	switch d {
	case DestinationMQTT:
		return "mqtt"
	case DestinationHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// ControlMessage is an actuator command addressed to a sensor.
type ControlMessage struct {
	SensorID     string      `json:"sensor_id"`
	Data         string      `json:"data"`
	Destination  Destination `json:"destination"`
	Timestamp    time.Time   `json:"timestamp"`
	PlatformTime time.Time   `json:"platform_time"`
	Secret       string      `json:"secret,omitempty"`
}

// Kind implements PlatformMessage.
func (m *ControlMessage) Kind() Kind { return KindControl }

// Source implements PlatformMessage.
func (m *ControlMessage) Source() string { return m.SensorID }

// Validate implements PlatformMessage.
func (m *ControlMessage) Validate() error {
	if m.SensorID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "ControlMessage", "Validate", "sensor id required")
	}
	if m.Destination != DestinationMQTT && m.Destination != DestinationHTTP {
		return errors.WrapInvalid(errors.ErrInvalidData, "ControlMessage", "Validate",
			fmt.Sprintf("unknown destination %d", m.Destination))
	}
	return nil
}
