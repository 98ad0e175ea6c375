package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"dormauth/internal/config"
	"dormauth/internal/util"
)

// KafkaProducer publishes email jobs and security events. Downstream
// workers consume the topics; this service only writes.
type KafkaProducer struct {
	Writer *kafka.Writer
	config *config.KafkaConfig
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaConfig.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchBytes:   1 << 20,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				util.Error("failed to write kafka messages",
					util.ErrorField(err),
					util.Int("message_count", len(messages)))
			}
		},
	}

	p := &KafkaProducer{Writer: writer, config: &kafkaConfig}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("connecting to kafka brokers: %w", err)
	}

	util.Info("kafka producer initialized",
		util.Any("brokers", kafkaConfig.Brokers))
	return p, nil
}

// Produce writes one message to topic with optional headers.
func (p *KafkaProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing kafka message to %s: %w", topic, err)
	}

	util.Debug("produced kafka message",
		util.String("topic", topic),
		util.Int("value_size", len(value)))
	return nil
}

// HealthCheck dials the first broker and lists partitions.
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true}
	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("dialing kafka broker: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("reading kafka partitions: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer == nil {
		return nil
	}
	if err := p.Writer.Close(); err != nil {
		util.Error("failed to close kafka producer", util.ErrorField(err))
		return err
	}
	util.Info("kafka producer closed")
	return nil
}
