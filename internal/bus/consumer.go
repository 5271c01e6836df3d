package bus

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type HandlerFunc func(ctx context.Context, env *Envelope) error

// Consumer dispatches embedding events to registered handlers by event
// type. Handler errors are logged and the message is still marked, so a
// poison message cannot wedge the partition.
type Consumer struct {
	group    sarama.ConsumerGroup
	topic    string
	handlers map[string]HandlerFunc
}

func NewConsumer(brokers []string, group string, topic string) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cg, err := sarama.NewConsumerGroup(brokers, group, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		group:    cg,
		topic:    topic,
		handlers: make(map[string]HandlerFunc),
	}, nil
}

func (c *Consumer) Handle(eventType string, fn HandlerFunc) {
	c.handlers[eventType] = fn
}

func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logutil.GetLogger(ctx).Error("consume failed, retrying", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		c.dispatch(session.Context(), msg.Value)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, raw []byte) {
	logger := logutil.GetLogger(ctx)
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		logger.Error("drop malformed event", zap.Error(err))
		return
	}
	handler := c.handlers[env.Type]
	if handler == nil {
		logger.Warn("no handler for event type", zap.String("type", env.Type))
		return
	}
	if err := handler(ctx, env); err != nil {
		logger.Error("event handler failed", zap.String("type", env.Type), zap.Error(err))
	}
}
