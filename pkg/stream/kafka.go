// Package stream publishes execution reports to Kafka for downstream
// consumers. Publishing is fire and forget so a slow broker never stalls
// the dispatch loop.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"traderd/pkg/book"
)

type Publisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewPublisher(brokers []string, topic string, log *zap.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		log: log,
	}
}

// PublishReport sends the report keyed by symbol, keeping per-symbol
// ordering within a partition. Errors are logged and dropped.
func (p *Publisher) PublishReport(report book.ExecutionReport) {
	value, err := json.Marshal(report)
	if err != nil {
		p.log.Warn("kafka marshal error", zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(report.Symbol),
			Value: value,
		})
		if err != nil {
			p.log.Warn("kafka publish failed",
				zap.String("order_id", report.OrderID),
				zap.Error(err))
		}
	}()
}

func (p *Publisher) Close() error { return p.writer.Close() }
