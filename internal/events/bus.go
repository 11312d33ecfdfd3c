// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package events provides the in-process event bus connecting the queue,
// the retry scheduler, the connectivity prober, and observability consumers.
//
// The bus is a Watermill gochannel pub/sub: publishes are fire-and-forget
// from the caller's perspective, but failures are logged rather than
// silently swallowed. Nothing on the hot path ever blocks on a subscriber.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/quartermaster-app/quartermaster/internal/logging"
)

// Topics carried on the bus.
const (
	TopicQueueChanged = "sync.queue.changed"
	TopicSyncLife     = "sync.lifecycle"
	TopicConnectivity = "connectivity.status"
	TopicSnapshot     = "snapshot.refresh"
)

// QueueChanged is published whenever an account queue's membership changes.
type QueueChanged struct {
	AccountID string    `json:"accountId"`
	Pending   int       `json:"pending"`
	Paused    int       `json:"paused"`
	At        time.Time `json:"at"`
}

// SyncPhase is a lifecycle phase of a drain cycle.
type SyncPhase string

const (
	PhaseStarted SyncPhase = "started"
	PhaseSuccess SyncPhase = "success"
	PhaseError   SyncPhase = "error"
)

// SyncLifecycle reports drain start/success/error for observability
// consumers such as a UI sync indicator. Never gating.
type SyncLifecycle struct {
	Phase     SyncPhase `json:"phase"`
	AccountID string    `json:"accountId"`
	Pending   int       `json:"pending"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// ConnectivityChanged is published on every online/offline transition.
type ConnectivityChanged struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// SnapshotRefresh notifies listening views that an entity snapshot changed
// after a successful remote round-trip.
type SnapshotRefresh struct {
	Kind      string    `json:"kind"`
	EntityID  string    `json:"entityId"`
	ProjectID string    `json:"projectId,omitempty"`
	At        time.Time `json:"at"`
}

// Bus wraps a gochannel pub/sub with JSON envelopes.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates the in-process bus. Subscribers get an unbounded buffer of
// 64 messages; slow consumers drop behind, they never stall publishers.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			newWatermillLogger(),
		),
	}
}

// Publish serializes v and publishes it on topic. Failures are logged and
// swallowed: bus traffic is observability plumbing, never gating.
func (b *Bus) Publish(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		logging.Warn().Err(err).Str("topic", topic).Msg("event bus: marshal failed")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		logging.Warn().Err(err).Str("topic", topic).Msg("event bus: publish failed")
	}
}

// Subscribe returns a message stream for topic. The stream closes when ctx
// is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return ch, nil
}

// Decode unmarshals a bus message payload into v and acks the message.
func Decode(msg *message.Message, v interface{}) error {
	defer msg.Ack()
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger adapts watermill logging onto the global zerolog logger.
type watermillLogger struct {
	fields watermill.LogFields
}

func newWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	logging.Error().Err(err).Fields(map[string]interface{}(l.fields.Add(fields))).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(l.fields.Add(fields))).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(map[string]interface{}(l.fields.Add(fields))).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(map[string]interface{}(l.fields.Add(fields))).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{fields: l.fields.Add(fields)}
}
