package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/modelgraph/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// MaxRetries is the number of redeliveries before a message is dead-lettered.
const MaxRetries = 5

// ErrBadMessage marks messages that can never be processed. They skip the
// retry queue.
var ErrBadMessage = errors.New("malformed queue message")

// Consumer is the subset of *amqp091.Channel used for consuming.
type Consumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// HandlerFunc processes one message body.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consume delivers messages of queueName to handle one at a time until ctx
// is done or the channel closes. Failed messages go through
// HandleProcessingError on pub.
func Consume(ctx context.Context, ch Consumer, pub Channel, queueName string, handle HandlerFunc) error {
	msgs, err := ch.Consume(
		queueName,
		queueName+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer", "queue", queueName)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("[Queue] Message channel closed", "queue", queueName)
				return nil
			}

			start := time.Now()
			logger.Info("[Queue] Received message", "queue", queueName)
			if err := handle(ctx, msg.Body); err != nil {
				logger.Error("[Queue] Error processing message", "queue", queueName, "err", err)
				HandleProcessingError(pub, msg, queueName, err)
				continue
			}
			if err := msg.Ack(false); err != nil {
				logger.Error("[Queue] Failed to ack message", "err", err)
			}
			logger.Info("[Queue] Message processed", "queue", queueName, "duration", time.Since(start))
		}
	}
}

func retriesOf(msg amqp091.Delivery) int {
	val, ok := msg.Headers["x-retries"]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError republishes a failed message to the retry queue, or
// to the dead-letter queue once MaxRetries is reached or the message is
// malformed. The original delivery is acked after a successful republish and
// requeued otherwise.
func HandleProcessingError(ch Channel, msg amqp091.Delivery, queueName string, cause error) {
	retries := retriesOf(msg)

	if retries >= MaxRetries || errors.Is(cause, ErrBadMessage) {
		dlqName := queueName + "_dlq"
		logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
