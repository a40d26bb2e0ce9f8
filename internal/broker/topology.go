package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"apollonia/pkg/config"
	apperrors "apollonia/pkg/errors"
)

// Topology names the exchanges, queues and bindings the pipeline uses
type Topology struct {
	Exchange           string
	Queue              string
	BindingKeys        []string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// TopologyFrom extracts the broker names from the process configuration
func TopologyFrom(cfg *config.Config) Topology {
	return Topology{
		Exchange:           cfg.Exchange,
		Queue:              cfg.Queue,
		BindingKeys:        cfg.BindingKeys,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
	}
}

// QueueArgs returns the arguments for the main queue declaration
func (t Topology) QueueArgs() amqp.Table {
	args := amqp.Table{}
	if t.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = t.DeadLetterExchange
	}
	return args
}

// DeclareExchange declares only the durable topic exchange. Publishers
// need nothing more.
func (t Topology) DeclareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return wrapTopology("exchange "+t.Exchange, err)
	}
	return nil
}

// Declare declares the full consumer topology: exchange, dead-letter
// exchange and queue, the main queue and its bindings.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := t.DeclareExchange(ch); err != nil {
		return err
	}

	if t.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return wrapTopology("exchange "+t.DeadLetterExchange, err)
		}
		if t.DeadLetterQueue != "" {
			if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
				return wrapTopology("queue "+t.DeadLetterQueue, err)
			}
			if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
				return wrapTopology("binding "+t.DeadLetterQueue, err)
			}
		}
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.QueueArgs()); err != nil {
		return wrapTopology("queue "+t.Queue, err)
	}
	for _, key := range t.BindingKeys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return wrapTopology("binding "+key, err)
		}
	}
	return nil
}

// CheckQueue performs a passive declare of the main queue: a cheap
// round-trip that fails if the broker or the queue is gone.
func (t Topology) CheckQueue(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclarePassive(t.Queue, true, false, false, false, t.QueueArgs()); err != nil {
		return wrapTopology("queue "+t.Queue, err)
	}
	return nil
}

func wrapTopology(entity string, err error) error {
	return apperrors.NewBrokerTopology(entity, err)
}
