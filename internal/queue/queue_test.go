package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type declared struct {
	name string
	args amqp091.Table
}

type published struct {
	key string
	msg amqp091.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []declared
	published  []published
	publishErr error
	declareErr error
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp091.Queue{}, c.declareErr
	}
	c.declared = append(c.declared, declared{name: name, args: args})
	return amqp091.Queue{Name: name}, nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{key: key, msg: msg})
	return nil
}

type ackRecord struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecord) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecord) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *ackRecord) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *ackRecord) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

func delivery(ack *ackRecord, body string, headers amqp091.Table) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body), Headers: headers}
}

func TestSetupQueues(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, SetupQueues(ch, []string{HarvestQueue}))

	require.Len(t, ch.declared, 3)
	require.Equal(t, HarvestQueue, ch.declared[0].name)
	require.Equal(t, HarvestQueue+"_dlq", ch.declared[1].name)
	require.Equal(t, HarvestQueue+"_retry", ch.declared[2].name)
	require.Equal(t, HarvestQueue, ch.declared[2].args["x-dead-letter-routing-key"])
	require.Equal(t, int32(10000), ch.declared[2].args["x-message-ttl"])
}

func TestSetupQueues_Error(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("channel closed")}
	require.Error(t, SetupQueues(ch, []string{HarvestQueue}))
}

func TestPublishFIFO(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, PublishFIFO(ch, HarvestQueue, []byte(`{"x":1}`)))

	require.Len(t, ch.published, 1)
	p := ch.published[0]
	require.Equal(t, HarvestQueue, p.key)
	require.Equal(t, amqp091.Persistent, p.msg.DeliveryMode)
	require.Equal(t, "application/json", p.msg.ContentType)
	require.JSONEq(t, `{"x":1}`, string(p.msg.Body))
}

func TestHandleProcessingError_Retry(t *testing.T) {
	ch := &fakeChannel{}
	ack := &ackRecord{}

	HandleProcessingError(ch, delivery(ack, "body", amqp091.Table{"x-retries": int32(2)}), HarvestQueue, errors.New("db down"))

	require.Len(t, ch.published, 1)
	require.Equal(t, HarvestQueue+"_retry", ch.published[0].key)
	require.Equal(t, int32(3), ch.published[0].msg.Headers["x-retries"])
	acks, nacks := ack.counts()
	require.Equal(t, 1, acks)
	require.Zero(t, nacks)
}

func TestHandleProcessingError_FirstFailureStartsCount(t *testing.T) {
	ch := &fakeChannel{}
	HandleProcessingError(ch, delivery(&ackRecord{}, "body", nil), HarvestQueue, errors.New("db down"))
	require.Equal(t, int32(1), ch.published[0].msg.Headers["x-retries"])
}

func TestHandleProcessingError_DeadLetter(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp091.Table
		err     error
	}{
		{"retries exhausted", amqp091.Table{"x-retries": int32(MaxRetries)}, errors.New("db down")},
		{"int64 header", amqp091.Table{"x-retries": int64(MaxRetries + 1)}, errors.New("db down")},
		{"bad message", nil, ErrBadMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{}
			ack := &ackRecord{}
			HandleProcessingError(ch, delivery(ack, "body", tt.headers), HarvestQueue, tt.err)

			require.Len(t, ch.published, 1)
			require.Equal(t, HarvestQueue+"_dlq", ch.published[0].key)
			acks, _ := ack.counts()
			require.Equal(t, 1, acks)
		})
	}
}

func TestHandleProcessingError_PublishFailureRequeues(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("closed")}
	ack := &ackRecord{}

	HandleProcessingError(ch, delivery(ack, "body", nil), HarvestQueue, errors.New("db down"))

	acks, nacks := ack.counts()
	require.Zero(t, acks)
	require.Equal(t, 1, nacks)
	require.True(t, ack.requeue)
}

type fakeConsumer struct {
	msgs chan amqp091.Delivery
	err  error
}

func (c *fakeConsumer) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	return c.msgs, c.err
}

func TestConsume(t *testing.T) {
	cons := &fakeConsumer{msgs: make(chan amqp091.Delivery, 2)}
	pub := &fakeChannel{}
	ok, failed := &ackRecord{}, &ackRecord{}
	cons.msgs <- delivery(ok, "good", nil)
	cons.msgs <- delivery(failed, "bad", nil)
	close(cons.msgs)

	var seen []string
	err := Consume(context.Background(), cons, pub, HarvestQueue, func(ctx context.Context, body []byte) error {
		seen = append(seen, string(body))
		if string(body) == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"good", "bad"}, seen)

	acks, _ := ok.counts()
	require.Equal(t, 1, acks)
	require.Len(t, pub.published, 1)
	require.Equal(t, HarvestQueue+"_retry", pub.published[0].key)
}

func TestConsume_StopsOnCancel(t *testing.T) {
	cons := &fakeConsumer{msgs: make(chan amqp091.Delivery)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, cons, &fakeChannel{}, HarvestQueue, func(context.Context, []byte) error { return nil })
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsume_Error(t *testing.T) {
	cons := &fakeConsumer{err: errors.New("no channel")}
	require.Error(t, Consume(context.Background(), cons, &fakeChannel{}, HarvestQueue, nil))
}
