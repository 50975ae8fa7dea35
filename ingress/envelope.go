package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
	"github.com/sensate-iot/platform-router/router"
)

// Envelope is a routed platform message.
type Envelope struct {
	Kind        string                  `json:"kind"`
	Measurement *message.Measurement    `json:"measurement,omitempty"`
	Message     *message.TextMessage    `json:"message,omitempty"`
	Control     *message.ControlMessage `json:"control,omitempty"`

	LiveDataTargets []string `json:"live_data_targets,omitempty"`
	Trigger         bool     `json:"trigger,omitempty"`
	Store           bool     `json:"store,omitempty"`
}

// DecodeEnvelope parses and validates a routed message encoded as JSON or
// MessagePack.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := unmarshal(payload, &env); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"Envelope", "Decode", "unmarshal envelope")
	}
	if _, err := env.PlatformMessage(); err != nil {
		return nil, err
	}
	return &env, nil
}

// PlatformMessage returns the validated message matching Kind.
func (e *Envelope) PlatformMessage() (message.PlatformMessage, error) {
	kind, err := message.ParseKind(e.Kind)
	if err != nil {
		return nil, err
	}

	var msg message.PlatformMessage
	switch kind {
	case message.KindMeasurement:
		if e.Measurement != nil {
			msg = e.Measurement
		}
	case message.KindMessage:
		if e.Message != nil {
			msg = e.Message
		}
	case message.KindControl:
		if e.Control != nil {
			msg = e.Control
		}
	}
	if msg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "PlatformMessage",
			fmt.Sprintf("missing %s body", kind))
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeOutbound parses a pre-rendered outbound notification.
func DecodeOutbound(payload []byte) (router.OutboundItem, error) {
	var item router.OutboundItem
	if err := unmarshal(payload, &item); err != nil {
		return item, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"Outbound", "Decode", "unmarshal notification")
	}
	if item.Target == "" {
		return item, errors.WrapInvalid(errors.ErrInvalidData, "Outbound", "Decode", "target required")
	}
	return item, nil
}

// unmarshal decodes JSON objects and falls back to MessagePack for anything
// else. MessagePack field names follow the json tags.
func unmarshal(payload []byte, v any) error {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return json.Unmarshal(payload, v)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
