// Package bus fans a single stream of classified relay frames out to
// multiple independent consumers (C8 and C9 both read every frame, per
// §4.12's "spawn C8, C9 (on the same frame stream)"). It is a thin
// marshaling layer over watermill's in-memory gochannel pub/sub, which
// natively delivers one copy of every message to every active subscriber.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

const topic = "relay.frames"

// Bus is the bounded-capacity fan-out channel described in §4.8 (capacity
// ~1000) between C6 and its consumers.
type Bus struct {
	ps  *gochannel.GoChannel
	log *slog.Logger
}

// New builds a Bus with the given per-subscriber buffer capacity.
func New(bufferSize int, log *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	ps := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: int64(bufferSize), BlockPublishUntilSubscriberAck: true},
		watermill.NewStdLogger(false, false),
	)
	return &Bus{ps: ps, log: log}
}

// Publish hands a classified frame to every current subscriber. It blocks
// until every subscriber has taken the frame — the backpressure shape of
// §4.8: a slow C8/C9 stalls C6's frame consumption rather than dropping
// events, and frames reach each subscriber in publish order.
func (b *Bus) Publish(ce model.ClassifiedEvent) error {
	payload, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.ps.Publish(topic, msg); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of classified frames for one consumer.
// Every subscriber sees every published frame, independently.
func (b *Bus) Subscribe(ctx context.Context) (<-chan model.ClassifiedEvent, error) {
	raw, err := b.ps.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	out := make(chan model.ClassifiedEvent, 1)
	go func() {
		defer close(out)
		for msg := range raw {
			var ce model.ClassifiedEvent
			if err := json.Unmarshal(msg.Payload, &ce); err != nil {
				b.log.Warn("bus: dropping malformed frame", "err", err)
				msg.Ack()
				continue
			}
			select {
			case out <- ce:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() error {
	return b.ps.Close()
}
