package broker

import (
	"context"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"apollonia/internal/constants"
	apperrors "apollonia/pkg/errors"
	"apollonia/pkg/logger"
)

// Acknowledger settles a delivery with the broker
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is one inbound message awaiting settlement
type Delivery struct {
	Body        []byte
	MessageID   string
	RoutingKey  string
	Redelivered bool
	// DeliveryCount is the broker's x-delivery-count header, 0 when absent
	DeliveryCount int64

	Acknowledger Acknowledger
}

// Ack confirms the delivery as handled
func (d Delivery) Ack() error {
	return d.Acknowledger.Ack()
}

// Requeue returns the delivery to the queue for another attempt
func (d Delivery) Requeue() error {
	return d.Acknowledger.Nack(true)
}

// DeadLetter rejects the delivery without requeue; with a dead-letter
// exchange configured on the queue the broker moves it there.
func (d Delivery) DeadLetter() error {
	return d.Acknowledger.Nack(false)
}

type amqpAcknowledger struct {
	d amqp.Delivery
}

func (a amqpAcknowledger) Ack() error              { return a.d.Ack(false) }
func (a amqpAcknowledger) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

func fromAMQP(d amqp.Delivery) Delivery {
	return Delivery{
		Body:          d.Body,
		MessageID:     d.MessageId,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		DeliveryCount: deliveryCount(d.Headers),
		Acknowledger:  amqpAcknowledger{d: d},
	}
}

func deliveryCount(headers amqp.Table) int64 {
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// Consumer reads the durable queue with manual acknowledgement
type Consumer struct {
	conn     *Connection
	ch       *amqp.Channel
	topology Topology
	tag      string
	logger   *zap.Logger
}

// NewConsumer opens a channel limited to prefetch unacknowledged deliveries
func NewConsumer(conn *Connection, topology Topology, prefetch int, log *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, apperrors.NewBaseError(apperrors.ErrorTypeBroker, "failed to set prefetch", err)
	}

	return &Consumer{
		conn:     conn,
		ch:       ch,
		topology: topology,
		tag:      constants.AppName + "-populator-" + uuid.NewString()[:8],
		logger:   logger.OrDefault(log),
	}, nil
}

// Ping checks that the broker answers and the queue exists. It uses a
// throwaway channel since a failed passive declare closes its channel.
func (c *Consumer) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return c.topology.CheckQueue(ch)
}

// Consume starts delivery. The returned channel closes when the broker
// stops delivering or ctx is done.
func (c *Consumer) Consume(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := c.ch.Consume(c.topology.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, apperrors.NewBaseError(apperrors.ErrorTypeBroker, "failed to start consuming "+c.topology.Queue, err)
	}

	c.logger.Info("Consuming",
		zap.String("queue", c.topology.Queue),
		zap.String("consumer_tag", c.tag),
	)

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range msgs {
			select {
			case out <- fromAMQP(d):
			case <-ctx.Done():
				// Unsettled; the broker redelivers it once the channel closes
				return
			}
		}
	}()
	return out, nil
}

// Close cancels the consumer and closes its channel
func (c *Consumer) Close() error {
	if err := c.ch.Cancel(c.tag, false); err != nil {
		c.logger.Warn("Failed to cancel consumer", zap.Error(err))
	}
	return c.ch.Close()
}
