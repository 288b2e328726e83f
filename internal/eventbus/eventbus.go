// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package eventbus carries commands, job events, pipeline events and
// cancellations between the command handler, the workers and the UI. The
// production transport is Redis Streams; an in-memory adapter satisfies the
// same Bus contract for tests and single-process development.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/ManuGH/reelctl/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	topicCommands       = "commands"
	topicJobEvents      = "job-events"
	topicPipelineEvents = "pipeline-events"
	topicCancellations  = "cancellations"
)

// Message is one entry read off a topic.
type Message struct {
	ID   string
	Type string
	Data []byte
}

// Handler processes one Message. A non-nil return leaves the message
// unacked: RedisBus keeps it in the consumer group's pending list, but
// neither adapter delivers it again (RedisBus reads only new entries, and
// InMemoryBus discards it).
type Handler func(ctx context.Context, msg Message) error

// Bus is the contract shared by the Redis and in-memory adapters. It
// satisfies internal/jobs.EventPublisher structurally through
// PublishJobEvent.
type Bus interface {
	PublishCommand(ctx context.Context, cmd domain.Command) error
	PublishJobEvent(ctx context.Context, ev domain.JobEvent) error
	PublishPipelineEvent(ctx context.Context, ev domain.PipelineEvent) error
	PublishCancellation(ctx context.Context, ev domain.CancellationEvent) error

	// SubscribeCommands delivers every command to handler until ctx is done.
	SubscribeCommands(ctx context.Context, group, consumer string, handler Handler) error
	// SubscribeJobEvents delivers job events whose Type is in types (or all,
	// when types is empty) until ctx is done.
	SubscribeJobEvents(ctx context.Context, group, consumer string, types []domain.JobEventType, handler Handler) error
	// SubscribePipelineEvents delivers every pipeline event until ctx is done.
	SubscribePipelineEvents(ctx context.Context, group, consumer string, handler Handler) error
	// SubscribeCancellations delivers every cancellation until ctx is done.
	SubscribeCancellations(ctx context.Context, group, consumer string, handler Handler) error

	Close() error
}

// Config configures the Redis Streams adapter. EmulatorHost, when set,
// overrides Addr, mirroring an emulator-host override for local development.
type Config struct {
	Addr         string
	Password     string
	DB           int
	ProjectID    string
	EmulatorHost string
}

// RedisBus is the production Bus, backed by one Redis stream per topic
// namespaced under ProjectID, with one consumer group per named subscription.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus dials Redis and verifies connectivity before returning.
func NewRedisBus(cfg Config, logger zerolog.Logger) (*RedisBus, error) {
	addr := cfg.Addr
	if cfg.EmulatorHost != "" {
		addr = cfg.EmulatorHost
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: redis connection failed: %w", err)
	}

	logger.Info().Str("addr", addr).Str("project_id", cfg.ProjectID).Msg("connected to event bus")
	return &RedisBus{client: client, prefix: cfg.ProjectID, logger: logger}, nil
}

func (b *RedisBus) stream(topic string) string {
	return b.prefix + "." + topic
}

func (b *RedisBus) publish(ctx context.Context, topic, msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.RecordBusPublish(topic, "marshal_error")
		return fmt.Errorf("eventbus: marshal %s: %w", topic, err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: map[string]any{"type": msgType, "data": data},
	}).Err()
	if err != nil {
		metrics.RecordBusPublish(topic, "error")
		return fmt.Errorf("eventbus: publish %s: %w", topic, err)
	}

	metrics.RecordBusPublish(topic, "ok")
	return nil
}

// PublishCommand publishes cmd on the commands topic.
func (b *RedisBus) PublishCommand(ctx context.Context, cmd domain.Command) error {
	return b.publish(ctx, topicCommands, string(cmd.Type), cmd)
}

// PublishJobEvent publishes ev on the job-events topic.
func (b *RedisBus) PublishJobEvent(ctx context.Context, ev domain.JobEvent) error {
	return b.publish(ctx, topicJobEvents, string(ev.Type), ev)
}

// PublishPipelineEvent publishes ev on the pipeline-events topic.
func (b *RedisBus) PublishPipelineEvent(ctx context.Context, ev domain.PipelineEvent) error {
	return b.publish(ctx, topicPipelineEvents, string(ev.Type), ev)
}

// PublishCancellation publishes ev on the cancellations topic.
func (b *RedisBus) PublishCancellation(ctx context.Context, ev domain.CancellationEvent) error {
	return b.publish(ctx, topicCancellations, "CANCEL", ev)
}

func (b *RedisBus) ensureGroup(ctx context.Context, topic, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream(topic), group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("eventbus: create group %s/%s: %w", topic, group, err)
	}
	return nil
}

// consume runs the read-filter-handle-ack loop until ctx is cancelled. A nil
// filter accepts every message type.
func (b *RedisBus) consume(ctx context.Context, topic, group, consumer string, filter map[string]bool, handler Handler) error {
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return err
	}
	stream := b.stream(topic)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn().Err(err).Str("topic", topic).Msg("event bus read failed")
			continue
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				msgType, _ := entry.Values["type"].(string)
				metrics.RecordBusConsume(topic)

				if filter != nil && !filter[msgType] {
					b.client.XAck(ctx, stream, group, entry.ID)
					continue
				}

				data, _ := entry.Values["data"].(string)
				msg := Message{ID: entry.ID, Type: msgType, Data: []byte(data)}
				if err := handler(ctx, msg); err != nil {
					metrics.RecordBusAck(topic, "nack")
					b.logger.Warn().Err(err).Str("topic", topic).Str("id", entry.ID).Msg("event bus handler failed")
					continue
				}

				b.client.XAck(ctx, stream, group, entry.ID)
				metrics.RecordBusAck(topic, "ack")
			}
		}
	}
}

// SubscribeCommands implements Bus.
func (b *RedisBus) SubscribeCommands(ctx context.Context, group, consumer string, handler Handler) error {
	return b.consume(ctx, topicCommands, group, consumer, nil, handler)
}

// SubscribeJobEvents implements Bus.
func (b *RedisBus) SubscribeJobEvents(ctx context.Context, group, consumer string, types []domain.JobEventType, handler Handler) error {
	return b.consume(ctx, topicJobEvents, group, consumer, jobEventFilter(types), handler)
}

// SubscribePipelineEvents implements Bus.
func (b *RedisBus) SubscribePipelineEvents(ctx context.Context, group, consumer string, handler Handler) error {
	return b.consume(ctx, topicPipelineEvents, group, consumer, nil, handler)
}

// SubscribeCancellations implements Bus.
func (b *RedisBus) SubscribeCancellations(ctx context.Context, group, consumer string, handler Handler) error {
	return b.consume(ctx, topicCancellations, group, consumer, nil, handler)
}

// Close releases the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func jobEventFilter(types []domain.JobEventType) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	filter := make(map[string]bool, len(types))
	for _, t := range types {
		filter[string(t)] = true
	}
	return filter
}

// subscriber is one registered channel on an InMemoryBus topic.
type subscriber struct {
	ch     chan Message
	filter map[string]bool
}

// InMemoryBus is a fan-out, channel-backed Bus for unit tests and
// single-process development. It implements the same Bus interface as
// RedisBus but retains nothing: a message published while a subscriber's
// buffer is full is dropped for that subscriber rather than blocking the
// publisher.
type InMemoryBus struct {
	mu         sync.Mutex
	subs       map[string][]*subscriber
	bufferSize int
}

var _ Bus = (*InMemoryBus)(nil)

// NewInMemoryBus returns a ready-to-use in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]*subscriber), bufferSize: 64}
}

func (b *InMemoryBus) publish(topic, msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.RecordBusPublish(topic, "marshal_error")
		return fmt.Errorf("eventbus: marshal %s: %w", topic, err)
	}

	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter[msgType] {
			continue
		}
		select {
		case s.ch <- Message{Type: msgType, Data: data}:
		default:
			metrics.IncBusDropReason(topic, "full")
		}
	}

	metrics.RecordBusPublish(topic, "ok")
	return nil
}

// PublishCommand implements Bus.
func (b *InMemoryBus) PublishCommand(ctx context.Context, cmd domain.Command) error {
	return b.publish(topicCommands, string(cmd.Type), cmd)
}

// PublishJobEvent implements Bus, and jobs.EventPublisher.
func (b *InMemoryBus) PublishJobEvent(ctx context.Context, ev domain.JobEvent) error {
	return b.publish(topicJobEvents, string(ev.Type), ev)
}

// PublishPipelineEvent implements Bus.
func (b *InMemoryBus) PublishPipelineEvent(ctx context.Context, ev domain.PipelineEvent) error {
	return b.publish(topicPipelineEvents, string(ev.Type), ev)
}

// PublishCancellation implements Bus.
func (b *InMemoryBus) PublishCancellation(ctx context.Context, ev domain.CancellationEvent) error {
	return b.publish(topicCancellations, "CANCEL", ev)
}

func (b *InMemoryBus) addSub(topic string, s *subscriber) {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
}

func (b *InMemoryBus) removeSub(topic string, s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, cur := range subs {
		if cur == s {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *InMemoryBus) subscribe(ctx context.Context, topic string, filter map[string]bool, handler Handler) error {
	s := &subscriber{ch: make(chan Message, b.bufferSize), filter: filter}
	b.addSub(topic, s)
	defer b.removeSub(topic, s)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.ch:
			metrics.RecordBusConsume(topic)
			if err := handler(ctx, msg); err != nil {
				metrics.RecordBusAck(topic, "nack")
				continue
			}
			metrics.RecordBusAck(topic, "ack")
		}
	}
}

// SubscribeCommands implements Bus.
func (b *InMemoryBus) SubscribeCommands(ctx context.Context, group, consumer string, handler Handler) error {
	return b.subscribe(ctx, topicCommands, nil, handler)
}

// SubscribeJobEvents implements Bus.
func (b *InMemoryBus) SubscribeJobEvents(ctx context.Context, group, consumer string, types []domain.JobEventType, handler Handler) error {
	return b.subscribe(ctx, topicJobEvents, jobEventFilter(types), handler)
}

// SubscribePipelineEvents implements Bus.
func (b *InMemoryBus) SubscribePipelineEvents(ctx context.Context, group, consumer string, handler Handler) error {
	return b.subscribe(ctx, topicPipelineEvents, nil, handler)
}

// SubscribeCancellations implements Bus.
func (b *InMemoryBus) SubscribeCancellations(ctx context.Context, group, consumer string, handler Handler) error {
	return b.subscribe(ctx, topicCancellations, nil, handler)
}

// Close is a no-op: subscribers exit on context cancellation.
func (b *InMemoryBus) Close() error {
	return nil
}
