package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Delivery is the part of an AMQP delivery a handler sees
type Delivery struct {
	MessageID     string
	CorrelationID string
	RoutingKey    string
	ReplyTo       string
	Redelivered   bool
	Body          []byte
}

// MessageHandler processes a message and returns the reply body. An error
// means the message could not be handled and is dead-lettered.
type MessageHandler func(ctx context.Context, d Delivery) ([]byte, error)

// Replier sends a reply to the queue named by a delivery's reply_to
type Replier interface {
	Reply(ctx context.Context, replyTo, correlationID string, body []byte) error
}

// Topology is the exchange and queues the command consumer reads from.
// Commands the worker cannot handle are dead-lettered to DLQ through the
// default exchange.
type Topology struct {
	Exchange string
	Queue    string
	DLQ      string
	Bindings []string
}

func (t Topology) validate() error {
	switch {
	case t.Exchange == "":
		return errors.New("command exchange is required")
	case t.Queue == "":
		return errors.New("command queue is required")
	case t.DLQ == "":
		return errors.New("dead-letter queue is required")
	case len(t.Bindings) == 0:
		return errors.New("at least one binding is required")
	}
	return nil
}

func (t Topology) queueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DLQ,
	}
}

// declare creates the topology on ch. A command queue that already exists
// without the dead-letter arguments fails the declaration: consuming from it
// would drop rejected commands.
func (t Topology) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.Exchange, err)
	}
	if _, err := ch.QueueDeclare(t.DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", t.DLQ, err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.queueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Queue, err)
	}
	for _, key := range t.Bindings {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", t.Queue, key, err)
		}
	}
	return nil
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Topology      Topology
	Tag           string
	PrefetchCount int
	Handler       MessageHandler
	Replier       Replier
	Logger        *zap.Logger
}

// Consumer reads commands from the command queue, answers them through the
// replier and settles each delivery once its reply is out
type Consumer struct {
	channel  *amqp.Channel
	topology Topology
	tag      string
	prefetch int
	handler  MessageHandler
	replier  Replier
	logger   *zap.Logger
}

// NewConsumer opens a channel and declares the command topology
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.Topology.validate(); err != nil {
		return nil, err
	}

	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := cfg.Topology.declare(ch); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel:  ch,
		topology: cfg.Topology,
		tag:      cfg.Tag,
		prefetch: cfg.PrefetchCount,
		handler:  cfg.Handler,
		replier:  cfg.Replier,
		logger:   cfg.Logger.With(zap.String("queue", cfg.Topology.Queue)),
	}, nil
}

// Start begins delivery. Messages are handled one at a time until ctx is
// cancelled or the broker closes the channel.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.topology.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.Strings("bindings", c.topology.Bindings),
		zap.Int("prefetch", c.prefetch),
	)
	go c.loop(ctx, msgs)
	return nil
}

func (c *Consumer) loop(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", zap.Error(ctx.Err()))
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("delivery channel closed by broker")
				return
			}
			c.settle(msg, c.handle(ctx, msg))
		}
	}
}

// settlement is what happens to a delivery after it was handled
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// handle runs the handler and sends the reply. Handler failures are
// dead-lettered. A reply that could not be sent puts the command back on the
// queue; the router answers the redelivery from its reply store.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) settlement {
	logger := c.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageId),
	)
	logger.Debug("command received", zap.Int("body_size", len(msg.Body)), zap.Bool("redelivered", msg.Redelivered))

	reply, err := c.handler(ctx, Delivery{
		MessageID:     msg.MessageId,
		CorrelationID: msg.CorrelationId,
		RoutingKey:    msg.RoutingKey,
		ReplyTo:       msg.ReplyTo,
		Redelivered:   msg.Redelivered,
		Body:          msg.Body,
	})
	if err != nil {
		logger.Error("command failed, dead-lettering", zap.Error(err))
		return settleDeadLetter
	}

	if msg.ReplyTo == "" || c.replier == nil {
		return settleAck
	}
	if err := c.replier.Reply(ctx, msg.ReplyTo, msg.CorrelationId, reply); err != nil {
		logger.Error("failed to send reply, requeueing", zap.Error(err), zap.String("reply_to", msg.ReplyTo))
		return settleRequeue
	}
	return settleAck
}

func (c *Consumer) settle(msg amqp.Delivery, s settlement) {
	var err error
	switch s {
	case settleAck:
		err = msg.Ack(false)
	case settleRequeue:
		err = msg.Nack(false, true)
	default:
		err = msg.Nack(false, false)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery",
			zap.Error(err),
			zap.String("settlement", s.String()),
			zap.String("message_id", msg.MessageId),
		)
	}
}

// Close cancels delivery and closes the channel
func (c *Consumer) Close() error {
	if c.channel == nil {
		return nil
	}
	if c.tag != "" {
		if err := c.channel.Cancel(c.tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", zap.Error(err))
		}
	}
	return c.channel.Close()
}
