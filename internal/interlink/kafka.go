package interlink

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	segmentio "github.com/segmentio/kafka-go"

	"execstore/internal/errors"
	"execstore/internal/logger"
)

// DefaultTopicPrefix is prepended to the partition name to form its topic.
const DefaultTopicPrefix = "execstore.intents."

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...segmentio.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (segmentio.Message, error)
	CommitMessages(ctx context.Context, msgs ...segmentio.Message) error
	Close() error
}

// Topic returns the topic the partition consumes.
func Topic(prefix, partition string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + partition
}

// KafkaPublisher writes events to the owning partition's topic, keyed by
// execution id so intents for one execution stay ordered.
type KafkaPublisher struct {
	TopicPrefix     string
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	writer          messageWriter
}

func NewKafkaPublisher(brokers []string, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{
		TopicPrefix:     topicPrefix,
		InitialInterval: 100 * time.Millisecond,
		MaxElapsed:      30 * time.Second,
		writer: &segmentio.Writer{
			Addr:         segmentio.TCP(brokers...),
			Balancer:     &segmentio.Hash{},
			RequiredAcks: segmentio.RequireAll,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, partition string, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	msg := segmentio.Message{
		Topic: Topic(p.TopicPrefix, partition),
		Key:   []byte(ev.ExecutionID),
		Value: data,
		Headers: []segmentio.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "origin", Value: []byte(ev.PartitionOfOrigin)},
		},
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return backoff.Retry(func() error {
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		var kerr segmentio.Error
		if errors.As(err, &kerr) && kerr.Temporary() {
			return err
		}
		return backoff.Permanent(errors.Wrapf(err, "writing %s to %s", ev.Type, msg.Topic))
	}, backoff.WithContext(b, ctx))
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads the local partition's topic and dispatches every event.
type KafkaConsumer struct {
	Dispatcher Dispatcher
	Log        logger.Logger
	reader     messageReader
}

func NewKafkaConsumer(brokers []string, topicPrefix, groupID, partition string, d Dispatcher, log logger.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		Dispatcher: d,
		Log:        logger.OrNop(log),
		reader: segmentio.NewReader(segmentio.ReaderConfig{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   Topic(topicPrefix, partition),
		}),
	}
}

// Run consumes until ctx is done. A message is committed once dispatched,
// whether or not applying it succeeded; failures are logged.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetching intent")
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "committing intent")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg segmentio.Message) {
	log := logger.OrNop(c.Log)
	ev, err := Decode(msg.Value)
	if err != nil {
		log.Warnf("dropping undecodable intent at offset %d: %v", msg.Offset, err)
		return
	}
	if err := c.Dispatcher.Dispatch(ctx, ev); err != nil {
		log.Errorf("applying %s %s for %s: %v", ev.Type, ev.ID, ev.ExecutionID, err)
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
