package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisher_KeysByConversation(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	var got *sarama.ProducerMessage
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		got = msg
		return nil
	})

	pub := NewKafkaPublisherWithProducer(producer, "support.events", nil)
	ev := New(TypeClaimed, "conv-1", time.Now())
	ev.AgentID = "agent-a"
	require.NoError(t, pub.Publish(context.Background(), ev))
	require.NoError(t, pub.Close())

	require.NotNil(t, got)
	assert.Equal(t, "support.events", got.Topic)

	key, err := got.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "conv-1", string(key))

	raw, err := got.Value.Encode()
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeClaimed, decoded.Type)
	assert.Equal(t, "agent-a", decoded.AgentID)
	assert.Equal(t, ev.ID, decoded.ID)
}

func TestKafkaPublisher_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisherWithProducer(producer, "", nil)
	err := pub.Publish(context.Background(), New(TypeStarted, "conv-2", time.Time{}))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}

func TestNewSaramaConfig(t *testing.T) {
	sc := NewSaramaConfig(KafkaConfig{Username: "u", Password: "p", UseTLS: true})
	require.NoError(t, sc.Validate())
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.True(t, sc.Producer.Idempotent)
	assert.True(t, sc.Net.SASL.Enable)
	assert.True(t, sc.Net.TLS.Enable)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("down")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestAsync_PreservesOrderAndDrains(t *testing.T) {
	rec := &recordingPublisher{}
	a := NewAsync(rec, 16, time.Second, nil, nil)

	for _, typ := range []string{TypeStarted, TypeClaimed, TypeClosed} {
		require.True(t, a.Enqueue(New(typ, "conv-1", time.Now())))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 3)
	assert.Equal(t, TypeStarted, rec.events[0].Type)
	assert.Equal(t, TypeClaimed, rec.events[1].Type)
	assert.Equal(t, TypeClosed, rec.events[2].Type)
	assert.True(t, rec.closed)
}

func TestAsync_PublishFailureIsSwallowed(t *testing.T) {
	rec := &recordingPublisher{fail: true}
	a := NewAsync(rec, 4, time.Second, nil, nil)
	require.True(t, a.Enqueue(New(TypeExpired, "conv-9", time.Now())))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func TestAsync_EnqueueAfterCloseIsDropped(t *testing.T) {
	a := NewAsync(Nop{}, 4, time.Second, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	var ok bool
	assert.NotPanics(t, func() { ok = a.Enqueue(New(TypeClosed, "conv-1", time.Now())) })
	assert.False(t, ok)
	require.NoError(t, a.Close(ctx), "second close is a no-op")
}

func TestAsync_ConcurrentEnqueueAndClose(t *testing.T) {
	a := NewAsync(Nop{}, 8, time.Second, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				a.Enqueue(New(TypeStarted, "conv-1", time.Now()))
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = a.Close(ctx) })
	wg.Wait()
}
