package bus

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Producer publishes embedding events to kafka. Messages are keyed so that
// events for the same context or doc land on one partition and keep their
// order.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{producer: producer, topic: topic}, nil
}

func (p *Producer) Publish(ctx context.Context, key string, eventType string, payload interface{}) error {
	raw, err := Encode(eventType, payload)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(raw),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Debug("event published",
		zap.String("type", eventType), zap.String("key", key),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
