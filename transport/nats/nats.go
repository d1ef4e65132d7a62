// Package nats provides the NATS Core transport for the statement stream.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/stmtflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.NATSCapabilities)
}

// Build creates the NATS transport. JetStream is off, so delivery is
// at-most-once and released statements are not redelivered. Instances in
// the same consumer group join one queue group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: core,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			Unmarshaler:      marshaler,
			QueueGroupPrefix: cfg.GetConsumerGroup(),
			JetStream:        core,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
