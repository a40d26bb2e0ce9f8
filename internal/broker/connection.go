// Package broker owns the AMQP side of the pipeline: the connection, the
// exchange/queue topology, the persistent publisher and the manual-ack
// consumer.
package broker

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	apperrors "apollonia/pkg/errors"
	"apollonia/pkg/logger"
)

// Connection is a process-lifetime AMQP connection
type Connection struct {
	conn      *amqp.Connection
	closed    chan *amqp.Error
	closeOnce sync.Once
	logger    *zap.Logger
}

// Dial opens a connection to the broker
func Dial(url string, log *zap.Logger) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, apperrors.NewBrokerConnectionFailed(redact(url), err)
	}

	c := &Connection{
		conn:   conn,
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		logger: logger.OrDefault(log),
	}
	return c, nil
}

// Channel opens a new channel on the connection
func (c *Connection) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, apperrors.NewBaseError(apperrors.ErrorTypeBroker, "failed to open channel", err)
	}
	return ch, nil
}

// Closed is signalled when the connection drops. A graceful Close
// closes the channel without sending an error.
func (c *Connection) Closed() <-chan *amqp.Error {
	return c.closed
}

// IsClosed reports whether the connection is gone
func (c *Connection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn.IsClosed() {
			return
		}
		err = c.conn.Close()
		c.logger.Info("Broker connection closed")
	})
	return err
}

// redact hides credentials in an AMQP URL for logs and errors
func redact(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "<invalid amqp url>"
	}
	if uri.Password != "" {
		uri.Password = "xxxxx"
	}
	return uri.String()
}
