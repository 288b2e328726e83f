// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBus_PublishJobEvent_DeliversToSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 1)
	go func() {
		_ = bus.SubscribeJobEvents(ctx, "g", "c1", nil, func(_ context.Context, msg Message) error {
			received <- msg
			return nil
		})
	}()

	// give the subscriber goroutine time to register before publishing.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, bus.PublishJobEvent(context.Background(), domain.JobEvent{Type: domain.JobEventDispatched, JobID: "job-1"}))

	select {
	case msg := <-received:
		assert.Equal(t, string(domain.JobEventDispatched), msg.Type)
		var ev domain.JobEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "job-1", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestInMemoryBus_FiltersJobEventTypes(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 4)
	go func() {
		_ = bus.SubscribeJobEvents(ctx, "g", "c1", []domain.JobEventType{domain.JobEventCompleted}, func(_ context.Context, msg Message) error {
			received <- msg
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, bus.PublishJobEvent(context.Background(), domain.JobEvent{Type: domain.JobEventDispatched, JobID: "job-1"}))
	require.NoError(t, bus.PublishJobEvent(context.Background(), domain.JobEvent{Type: domain.JobEventCompleted, JobID: "job-2"}))

	select {
	case msg := <-received:
		assert.Equal(t, string(domain.JobEventCompleted), msg.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case msg := <-received:
		t.Fatalf("unexpected second delivery: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBus_PublishWithNoSubscribersSucceeds(t *testing.T) {
	bus := NewInMemoryBus()
	err := bus.PublishCancellation(context.Background(), domain.CancellationEvent{ProjectID: "p1"})
	assert.NoError(t, err)
}

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus, err := NewRedisBus(Config{Addr: mr.Addr(), ProjectID: "proj"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBus_PublishAndConsumeCommand(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = bus.SubscribeCommands(ctx, "handler", "c1", func(_ context.Context, msg Message) error {
			close(done)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, bus.PublishCommand(context.Background(), domain.Command{Type: domain.CommandStartPipeline, ProjectID: "p1"}))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for command delivery")
	}
}

func TestRedisBus_JobEventFilterSkipsNonMatchingTypes(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 1)
	go func() {
		_ = bus.SubscribeJobEvents(ctx, "handler", "c1", []domain.JobEventType{domain.JobEventFailed}, func(_ context.Context, msg Message) error {
			received <- msg
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, bus.PublishJobEvent(context.Background(), domain.JobEvent{Type: domain.JobEventDispatched, JobID: "job-1"}))
	require.NoError(t, bus.PublishJobEvent(context.Background(), domain.JobEvent{Type: domain.JobEventFailed, JobID: "job-2", Error: "boom"}))

	select {
	case msg := <-received:
		assert.Equal(t, string(domain.JobEventFailed), msg.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for filtered delivery")
	}
}
