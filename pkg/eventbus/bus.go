// Package eventbus publishes consultation events on watermill, over Redis Streams
// when enabled and an in-process Go channel otherwise, and runs the consumers
// (audit log, live turn recorder) on a watermill router.
package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Handler consumes one decoded event.
type Handler func(ctx context.Context, e Event) error

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	client     *redis.Client
	logger     zerolog.Logger
	// shared is set when publisher and subscriber are the same Go channel.
	shared bool

	closeOnce sync.Once
}

// New builds the bus. With Redis enabled, publisher and subscriber share one client
// and the subscriber joins the configured consumer group.
func New(s Settings, logger zerolog.Logger) (*Bus, error) {
	wmLogger := NewWatermillLogger(logger)
	b := &Bus{logger: logger.With().Str("component", "eventbus").Logger()}

	if s.Enabled {
		s = s.withDefaults()
		b.client = redis.NewClient(&redis.Options{Addr: s.Addr})
		marshaler := rstream.DefaultMarshallerUnmarshaller{}

		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     b.client,
			Marshaller: marshaler,
		}, wmLogger)
		if err != nil {
			_ = b.client.Close()
			return nil, errors.Wrap(err, "eventbus: redis publisher")
		}
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        b.client,
			Unmarshaller:  marshaler,
			ConsumerGroup: s.Group,
			Consumer:      s.Consumer,
		}, wmLogger)
		if err != nil {
			_ = b.client.Close()
			return nil, errors.Wrap(err, "eventbus: redis subscriber")
		}
		b.publisher, b.subscriber = pub, sub
	} else {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wmLogger)
		b.publisher, b.subscriber = ch, ch
		b.shared = true
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "eventbus: router")
	}
	router.AddMiddleware(middleware.Recoverer)
	b.router = router
	return b, nil
}

// Publish sends e on the consultation topic.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.publisher.Publish(Topic, msg); err != nil {
		return errors.Wrap(err, "eventbus: publish")
	}
	return nil
}

// Subscribe registers a consumer. Must be called before Run.
func (b *Bus) Subscribe(name string, h Handler) {
	b.router.AddConsumerHandler(name, Topic, b.subscriber, func(msg *message.Message) error {
		e, err := UnmarshalEvent(msg.Payload)
		if err != nil {
			// a malformed payload will never decode; ack and move on
			b.logger.Error().Err(err).Str("handler", name).Str("message_uuid", msg.UUID).Msg("dropping undecodable event")
			return nil
		}
		return h(msg.Context(), e)
	})
}

// Run blocks running the consumers until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once the consumers are subscribed.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		errs = append(errs, b.router.Close(), b.publisher.Close())
		if !b.shared {
			errs = append(errs, b.subscriber.Close())
		}
		if b.client != nil {
			errs = append(errs, b.client.Close())
		}
	})
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "eventbus: close")
		}
	}
	return nil
}

// EnsureGroupAtTail creates the consumer group at the stream tail ($) if it doesn't
// exist, so a fresh deployment does not replay the whole history.
func EnsureGroupAtTail(ctx context.Context, s Settings) error {
	s = s.withDefaults()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, Topic, s.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "eventbus: create consumer group")
	}
	return nil
}
