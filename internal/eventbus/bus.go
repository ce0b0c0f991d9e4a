package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"
)

// Bus is an in-process publish/subscribe bus carrying committed-change
// events from the document store to reactive subscribers. Handlers must be
// registered before Run is called.
type Bus struct {
	pubSub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter
}

func New() (*Bus, error) {
	logger := watermill.NewSlogLogger(slog.Default())

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
		},
		logger,
	)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	return &Bus{
		pubSub: pubSub,
		router: router,
		logger: logger,
	}, nil
}

// Run starts the router and blocks until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once the router is dispatching messages.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	return b.router.Close()
}

// Publish JSON-encodes payload and publishes it on topic. Delivery to
// subscribers is asynchronous; a full subscriber buffer is the subscriber's
// problem, never the publisher's.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	msg := message.NewMessage(ulid.Make().String(), raw)
	msg.SetContext(ctx)

	if err := b.pubSub.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers a named handler for a topic. A handler error is logged
// by the router; the message is not redelivered.
func (b *Bus) Subscribe(handlerName, topic string, handler func(msg *message.Message) error) {
	b.router.AddNoPublisherHandler(
		handlerName,
		topic,
		b.pubSub,
		handler,
	)
}

// SubscribeJSON registers a handler that receives the decoded payload.
func SubscribeJSON[T any](b *Bus, handlerName, topic string, handler func(ctx context.Context, payload *T) error) {
	b.Subscribe(handlerName, topic, func(msg *message.Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		return handler(msg.Context(), &payload)
	})
}
