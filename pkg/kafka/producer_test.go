package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProducerConfig(t *testing.T) {
	brokers := []string{"broker1:9092", "broker2:9092"}
	cfg := DefaultProducerConfig(brokers)

	assert.Equal(t, brokers, cfg.Brokers)
	assert.Equal(t, defaultBatchSize, cfg.BatchSize)
	assert.Equal(t, defaultBatchTimeout, cfg.BatchTimeout)
	assert.False(t, cfg.Async, "default producer must be synchronous")
}

func TestNewProducerNormalizesZeroConfig(t *testing.T) {
	// A zero-valued config gets the default batching parameters instead of
	// kafka-go's own fallbacks.
	p := NewProducer(ProducerConfig{Brokers: []string{"localhost:19092"}}, testLogger())
	require.NotNil(t, p)
	defer p.Close()

	assert.Equal(t, defaultBatchSize, p.writer.BatchSize)
	assert.Equal(t, defaultBatchTimeout, p.writer.BatchTimeout)
}

func TestNewProducerDoesNotDial(t *testing.T) {
	// Construction must not contact the broker; Close on an unused writer
	// succeeds even when the address is unreachable.
	p := NewProducer(DefaultProducerConfig([]string{"localhost:19092"}), testLogger())
	require.NotNil(t, p)
	assert.Equal(t, []string{"localhost:19092"}, p.brokers)
	assert.NoError(t, p.Close())
}

func TestPublishMessagesEmptyIsNoop(t *testing.T) {
	p := NewProducer(DefaultProducerConfig([]string{"localhost:19092"}), testLogger())
	defer p.Close()

	assert.NoError(t, p.PublishMessages(t.Context()))
}

func TestPingBrokersRequiresBrokers(t *testing.T) {
	for _, brokers := range [][]string{nil, {}} {
		err := PingBrokers(t.Context(), brokers)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no brokers configured")
	}
}

func TestPingBrokersUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	defer cancel()

	err := PingBrokers(ctx, []string{"127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all brokers unreachable")
}
