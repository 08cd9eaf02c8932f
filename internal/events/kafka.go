package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a [KafkaSink].
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// WriteTimeout bounds one write. Default: 10s.
	WriteTimeout time.Duration
}

// messageWriter is the subset of [kafka.Writer] used by the sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards events as JSON messages keyed by command ID, so all
// events of one command land on the same partition in order.
type KafkaSink struct {
	w     messageWriter
	topic string
}

// NewKafkaSink creates a sink writing to cfg.Topic on cfg.Brokers.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: kafka sink: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("events: kafka sink: topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	slog.Info("kafka event sink initialised", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaSink{w: w, topic: cfg.Topic}, nil
}

// Write publishes e.
func (k *KafkaSink) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal %s event: %w", e.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(e.CommandID, 10)),
		Value: payload,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(e.Type)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: write to %s: %w", k.topic, err)
	}
	return nil
}

// Run forwards events from sub until its channel closes or ctx is done.
// Write failures are logged and do not stop forwarding.
func (k *KafkaSink) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := k.Write(ctx, e); err != nil {
				slog.Warn("event not forwarded",
					"type", e.Type,
					"command_id", e.CommandID,
					"error", err,
				)
			}
		}
	}
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
