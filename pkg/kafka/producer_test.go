package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestProducer_PublishResourceEvent(t *testing.T) {
	writer := &recordingWriter{}
	producer := NewProducerWithWriter(writer, "resource-events", testLogger())

	err := producer.PublishResourceEvent(context.Background(), &ResourceEvent{
		EventID:      "evt-1",
		EventType:    "resource.merged",
		ResourceType: "person",
		ResourceID:   5,
		Data:         json.RawMessage(`{"deprecated_ids":[9,12]}`),
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "resource-events", msg.Topic)
	assert.Equal(t, "person:5", string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "resource.merged", headers["event_type"])
	assert.Equal(t, SchemaVersion, headers["schema_version"])

	var decoded ResourceEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, int64(5), decoded.ResourceID)
	assert.False(t, decoded.Timestamp.IsZero())
	assert.JSONEq(t, `{"deprecated_ids":[9,12]}`, string(decoded.Data))

	require.NoError(t, producer.Close())
	assert.True(t, writer.closed)
}

func TestProducer_PublishError(t *testing.T) {
	writer := &recordingWriter{err: errors.New("leader not available")}
	producer := NewProducerWithWriter(writer, "resource-events", testLogger())

	err := producer.PublishResourceEvent(context.Background(), &ResourceEvent{EventType: "resource.merged", ResourceType: "room", ResourceID: 1})
	assert.EqualError(t, err, "leader not available")
}

func TestCompressionCodec(t *testing.T) {
	assert.Equal(t, kafka.Gzip, compressionCodec("gzip"))
	assert.Equal(t, kafka.Zstd, compressionCodec("zstd"))
	assert.Equal(t, kafka.Compression(0), compressionCodec("none"))
	assert.Equal(t, kafka.Snappy, compressionCodec(""))
}
