package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"apollonia/internal/constants"
	"apollonia/internal/event"
	apperrors "apollonia/pkg/errors"
	"apollonia/pkg/logger"
)

const (
	redialInitialDelay = 500 * time.Millisecond
	redialMaxDelay     = 30 * time.Second
)

// Publisher sends file events to the topic exchange with persistent
// delivery and waits for the broker's confirm. It owns its connection;
// Run redials after the broker drops it, and Publish fails fast with
// ErrBrokerUnavailable until the link is back.
type Publisher struct {
	url      string
	topology Topology
	logger   *zap.Logger

	mu       sync.Mutex
	conn     *Connection
	ch       *amqp.Channel
	chClosed chan *amqp.Error
	closed   bool
}

// NewPublisher dials the broker, declares the exchange and opens a
// confirm-mode channel. The first dial is not retried.
func NewPublisher(url string, topology Topology, log *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		url:      url,
		topology: topology,
		logger:   logger.OrDefault(log),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := Dial(p.url, p.logger)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := p.topology.DeclareExchange(ch); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return apperrors.NewBaseError(apperrors.ErrorTypeBroker, "failed to enable publisher confirms", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return apperrors.NewBaseError(apperrors.ErrorTypeBroker, "publisher closed", nil)
	}
	p.conn = conn
	p.ch = ch
	p.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// Connected reports whether a publishing channel is currently open
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil && !p.conn.IsClosed()
}

// Run watches the connection and redials with exponential backoff when
// it drops. It returns when ctx is cancelled or the publisher is closed.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		p.mu.Lock()
		conn, chClosed, closed := p.conn, p.chClosed, p.closed
		p.mu.Unlock()

		if closed {
			return nil
		}
		if conn != nil {
			var cause *amqp.Error
			select {
			case <-ctx.Done():
				return nil
			case cause = <-conn.Closed():
			case cause = <-chClosed:
			}
			fields := []zap.Field{}
			if cause != nil {
				fields = append(fields, zap.Error(cause))
			}
			p.logger.Warn("Broker connection lost, publishes will fail until it is restored", fields...)
			p.disconnect()
		}

		if err := p.redial(ctx); err != nil {
			return nil
		}
	}
}

func (p *Publisher) disconnect() {
	p.mu.Lock()
	conn := p.conn
	p.conn, p.ch, p.chClosed = nil, nil, nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// redial retries connect until it succeeds or ctx ends
func (p *Publisher) redial(ctx context.Context) error {
	delay := redialInitialDelay
	for attempt := 1; ; attempt++ {
		err := p.connect()
		if err == nil {
			p.logger.Info("Broker connection restored", zap.Int("attempt", attempt))
			return nil
		}

		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return err
		}

		p.logger.Debug("Broker redial failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = nextRedialDelay(delay)
	}
}

// nextRedialDelay doubles d, capped at redialMaxDelay
func nextRedialDelay(d time.Duration) time.Duration {
	d *= 2
	if d > redialMaxDelay {
		d = redialMaxDelay
	}
	return d
}

// Publish encodes msg and publishes it under its routing key
func (p *Publisher) Publish(ctx context.Context, msg *event.Message) error {
	key := msg.RoutingKey()

	body, err := msg.Encode()
	if err != nil {
		return apperrors.NewPublishFailed(key, err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         msg.EventType,
		AppId:        constants.AppName,
		Body:         body,
	}

	p.mu.Lock()
	if p.ch == nil {
		p.mu.Unlock()
		return apperrors.NewPublishFailed(key, apperrors.ErrBrokerUnavailable)
	}
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.topology.Exchange, key, false, false, publishing)
	p.mu.Unlock()
	if err != nil {
		return apperrors.NewPublishFailed(key, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return apperrors.NewPublishFailed(key, err)
	}
	if !acked {
		return apperrors.NewPublishFailed(key, apperrors.ErrPublishNacked)
	}

	p.logger.Debug("Event published",
		zap.String("routing_key", key),
		zap.String("message_id", publishing.MessageId),
		zap.String("path", msg.FilePath),
	)
	return nil
}

// Close stops further redials and closes the connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.conn, p.ch, p.chClosed = nil, nil, nil
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
