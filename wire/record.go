package wire

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
)

// Encoder turns a platform message into its wire record. Implementations
// must be safe for concurrent use.
type Encoder interface {
	Encode(msg message.PlatformMessage) ([]byte, error)
}

// Codec is the default Encoder; it dispatches on the message kind.
type Codec struct{}

var _ Encoder = Codec{}

// Encode implements Encoder.
func (Codec) Encode(msg message.PlatformMessage) ([]byte, error) {
	switch m := msg.(type) {
	case *message.Measurement:
		return EncodeMeasurement(m)
	case *message.TextMessage:
		return EncodeMessage(m)
	case *message.ControlMessage:
		return EncodeControl(m)
	case nil:
		return nil, errors.WrapInvalid(errors.ErrEncoding, "Codec", "Encode", "nil message")
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported message type %T", errors.ErrEncoding, msg),
			"Codec", "Encode", "dispatch on kind")
	}
}

// EncodeMeasurement writes a measurement record.
func EncodeMeasurement(m *message.Measurement) ([]byte, error) {
	if m == nil || m.SensorID == "" {
		return nil, errors.WrapInvalid(errors.ErrEncoding, "wire", "EncodeMeasurement", "sensor id required")
	}

	b := appendString(nil, 1, m.SensorID)

	keys := make([]string, 0, len(m.Data))
	for k := range m.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		dp := m.Data[k]
		if math.IsNaN(dp.Value) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: datapoint %q is NaN", errors.ErrEncoding, k),
				"wire", "EncodeMeasurement", "encode datapoint")
		}
		var point []byte
		point = appendString(point, 1, k)
		point = appendDouble(point, 2, dp.Value)
		point = appendString(point, 3, dp.Unit)
		if dp.Precision != nil {
			point = appendDouble(point, 4, *dp.Precision)
		}
		if dp.Accuracy != nil {
			point = appendDouble(point, 5, *dp.Accuracy)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, point)
	}

	b = appendLocation(b, 3, m.Location)
	b = appendTime(b, 4, m.Timestamp)
	b = appendTime(b, 5, m.PlatformTime)
	return b, nil
}

// EncodeMessage writes a text message record.
func EncodeMessage(m *message.TextMessage) ([]byte, error) {
	if m == nil || m.SensorID == "" {
		return nil, errors.WrapInvalid(errors.ErrEncoding, "wire", "EncodeMessage", "sensor id required")
	}

	b := appendString(nil, 1, m.SensorID)
	b = appendString(b, 2, m.Data)
	b = appendLocation(b, 3, m.Location)
	b = appendTime(b, 4, m.Timestamp)
	b = appendTime(b, 5, m.PlatformTime)
	return b, nil
}

// EncodeControl writes a control message record.
func EncodeControl(m *message.ControlMessage) ([]byte, error) {
	if m == nil || m.SensorID == "" {
		return nil, errors.WrapInvalid(errors.ErrEncoding, "wire", "EncodeControl", "sensor id required")
	}

	b := appendString(nil, 1, m.SensorID)
	b = appendString(b, 2, m.Data)
	if m.Destination != message.DestinationMQTT {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Destination))
	}
	b = appendTime(b, 4, m.Timestamp)
	b = appendTime(b, 5, m.PlatformTime)
	b = appendString(b, 6, m.Secret)
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixMilli()))
}

func appendLocation(b []byte, num protowire.Number, loc *message.GeoLocation) []byte {
	if loc == nil {
		return b
	}
	var inner []byte
	inner = appendDouble(inner, 1, loc.Latitude)
	inner = appendDouble(inner, 2, loc.Longitude)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}
