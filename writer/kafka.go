package writer

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"streamguard/internal/resilience"
	"streamguard/logger"
	"streamguard/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one message per candle keyed by symbol and timeframe,
// so a partition sees each series in order.
type KafkaSink struct {
	writer messageWriter
	topic  string
	log    *logger.Log
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	s := newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, topic)
	s.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"brokers": brokers,
		"topic":   topic,
	}).Info("kafka sink initialized")
	return s, nil
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic, log: logger.GetLogger()}
}

type kafkaCandle struct {
	BatchID string `json:"batch_id"`
	models.IngestionItem
}

func (s *KafkaSink) WriteBatch(ctx context.Context, batch models.Batch) error {
	msgs := make([]kafka.Message, 0, batch.Len())
	for _, item := range batch.Items {
		value, err := json.Marshal(kafkaCandle{BatchID: batch.ID, IngestionItem: item})
		if err != nil {
			return resilience.Permanent(fmt.Errorf("failed to marshal candle: %w", err))
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(item.Symbol + "|" + item.Timeframe),
			Value:   value,
			Headers: []kafka.Header{{Key: "batch_id", Value: []byte(batch.ID)}},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return resilience.Transient("kafka write "+s.topic, err)
	}

	s.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"batch_id": batch.ID,
		"records":  batch.Len(),
	}).Debug("batch written to kafka")
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
