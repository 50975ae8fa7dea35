package router

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sensate-iot/platform-router/errors"
	"github.com/sensate-iot/platform-router/message"
	"github.com/sensate-iot/platform-router/wire"
)

type publishCall struct {
	topic   string
	payload []byte
	retain  bool
}

// recordingPublisher captures every publish and optionally fails some topics.
type recordingPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	fail  map[string]error
	delay time.Duration
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{fail: make(map[string]error)}
}

func (p *recordingPublisher) PublishOn(ctx context.Context, topic string, payload []byte, retain bool) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[topic]; ok {
		return err
	}
	p.calls = append(p.calls, publishCall{topic: topic, payload: payload, retain: retain})
	return nil
}

func (p *recordingPublisher) failTopic(topic string, err error) {
	p.mu.Lock()
	p.fail[topic] = err
	p.mu.Unlock()
}

func (p *recordingPublisher) heal() {
	p.mu.Lock()
	p.fail = make(map[string]error)
	p.mu.Unlock()
}

func (p *recordingPublisher) snapshot() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]publishCall(nil), p.calls...)
	sort.Slice(out, func(i, j int) bool { return out[i].topic < out[j].topic })
	return out
}

func (p *recordingPublisher) topics() []string {
	calls := p.snapshot()
	topics := make([]string, len(calls))
	for i, c := range calls {
		topics[i] = c.topic
	}
	return topics
}

func (p *recordingPublisher) byTopic(topic string) []publishCall {
	var out []publishCall
	for _, c := range p.snapshot() {
		if c.topic == topic {
			out = append(out, c)
		}
	}
	return out
}

func measurement(sensor string, value float64) *message.Measurement {
	return &message.Measurement{
		SensorID:  sensor,
		Data:      map[string]message.DataPoint{"temperature": {Value: value, Unit: "C"}},
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func textMessage(sensor, data string) *message.TextMessage {
	return &message.TextMessage{
		SensorID:  sensor,
		Data:      data,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func controlMessage(sensor, data string) *message.ControlMessage {
	return &message.ControlMessage{
		SensorID:    sensor,
		Data:        data,
		Destination: message.DestinationMQTT,
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// decodeMeasurementSensors unpacks a batch payload of measurements into sensor ids.
func decodeMeasurementSensors(t *testing.T, payload []byte) []string {
	t.Helper()
	records, err := wire.DecodeBatch(payload)
	require.NoError(t, err)

	sensors := make([]string, len(records))
	for i, r := range records {
		m, err := wire.DecodeMeasurement(r)
		require.NoError(t, err)
		sensors[i] = m.SensorID
	}
	return sensors
}

func decodeMessageData(t *testing.T, payload []byte) []string {
	t.Helper()
	records, err := wire.DecodeBatch(payload)
	require.NoError(t, err)

	data := make([]string, len(records))
	for i, r := range records {
		m, err := wire.DecodeMessage(r)
		require.NoError(t, err)
		data[i] = m.Data
	}
	return data
}

type failingEncoder struct{}

func (failingEncoder) Encode(message.PlatformMessage) ([]byte, error) {
	return nil, errors.ErrEncoding
}
