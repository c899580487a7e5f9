// Package feed publishes accepted activity mutations to downstream consumers.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/jw6ventures/orca/internal/protocol"
)

// Publisher receives every successful mutation response.
type Publisher interface {
	Publish(ctx context.Context, scheduleID string, resp protocol.Response) error
	Close() error
}

// Nop discards everything. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, protocol.Response) error { return nil }
func (Nop) Close() error                                            { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each mutation as the JSON response keyed by schedule
// id, so consumers see one schedule's changes in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    *logrus.Entry
}

// NewKafkaPublisher creates an asynchronous writer for topic. Delivery
// failures are logged from the writer's completion callback.
func NewKafkaPublisher(brokers []string, topic string, log *logrus.Entry) *KafkaPublisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"component": "feed", "topic": topic})
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithField("messages", len(messages)).Warn("change feed delivery failed")
			}
		},
	}
	return newKafkaPublisher(writer, topic, log)
}

func newKafkaPublisher(writer messageWriter, topic string, log *logrus.Entry) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topic: topic, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, scheduleID string, resp protocol.Response) error {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(scheduleID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(resp.Action)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish change to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	var result *multierror.Error
	if err := p.writer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close kafka writer: %w", err))
	}
	return result.ErrorOrNil()
}
