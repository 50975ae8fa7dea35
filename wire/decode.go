package wire

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
)

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields calls fn for every field in b. fn returns the number of bytes
// it consumed after the tag, or a negative protowire error code.
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func consumeString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeDouble(b []byte, dst *float64) int {
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func consumeTime(b []byte, dst *time.Time) int {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = time.UnixMilli(protowire.DecodeZigZag(v)).UTC()
	}
	return n
}

func consumeLocation(b []byte, dst **message.GeoLocation) (int, error) {
	inner, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	loc := &message.GeoLocation{}
	err := walkFields(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &loc.Latitude), nil
		case num == 2 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &loc.Longitude), nil
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return 0, err
	}
	*dst = loc
	return n, nil
}

// DecodeMeasurement parses a measurement record.
func DecodeMeasurement(b []byte) (*message.Measurement, error) {
	m := &message.Measurement{Data: make(map[string]message.DataPoint)}

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &m.SensorID), nil
		case num == 2 && typ == protowire.BytesType:
			return consumeDataPoint(b, m.Data)
		case num == 3 && typ == protowire.BytesType:
			return consumeLocation(b, &m.Location)
		case num == 4 && typ == protowire.VarintType:
			return consumeTime(b, &m.Timestamp), nil
		case num == 5 && typ == protowire.VarintType:
			return consumeTime(b, &m.PlatformTime), nil
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeMeasurement", "parse record")
	}
	return m, nil
}

func consumeDataPoint(b []byte, into map[string]message.DataPoint) (int, error) {
	inner, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}

	var (
		key string
		dp  message.DataPoint
	)
	err := walkFields(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &key), nil
		case num == 2 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &dp.Value), nil
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &dp.Unit), nil
		case num == 4 && typ == protowire.Fixed64Type:
			var v float64
			n := consumeDouble(b, &v)
			dp.Precision = &v
			return n, nil
		case num == 5 && typ == protowire.Fixed64Type:
			var v float64
			n := consumeDouble(b, &v)
			dp.Accuracy = &v
			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return 0, err
	}
	if key == "" {
		return 0, fmt.Errorf("datapoint without key")
	}
	into[key] = dp
	return n, nil
}

// DecodeMessage parses a text message record.
func DecodeMessage(b []byte) (*message.TextMessage, error) {
	m := &message.TextMessage{}

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &m.SensorID), nil
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &m.Data), nil
		case num == 3 && typ == protowire.BytesType:
			return consumeLocation(b, &m.Location)
		case num == 4 && typ == protowire.VarintType:
			return consumeTime(b, &m.Timestamp), nil
		case num == 5 && typ == protowire.VarintType:
			return consumeTime(b, &m.PlatformTime), nil
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeMessage", "parse record")
	}
	return m, nil
}

// DecodeControl parses a control message record.
func DecodeControl(b []byte) (*message.ControlMessage, error) {
	m := &message.ControlMessage{}

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &m.SensorID), nil
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &m.Data), nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Destination = message.Destination(v)
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			return consumeTime(b, &m.Timestamp), nil
		case num == 5 && typ == protowire.VarintType:
			return consumeTime(b, &m.PlatformTime), nil
		case num == 6 && typ == protowire.BytesType:
			return consumeString(b, &m.Secret), nil
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeControl", "parse record")
	}
	return m, nil
}
