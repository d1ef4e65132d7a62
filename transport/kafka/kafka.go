// Package kafka provides the Kafka transport for the statement stream.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/stmtflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// nackResendSleep spaces out redelivery of released statements so a failing
// artifact store is not hammered.
const nackResendSleep = time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates the Kafka transport. The consumer group commits offsets only
// for acknowledged messages.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: at least one broker is required")
	}

	pubSarama := kafka.DefaultSaramaSyncPublisherConfig()
	subSarama := kafka.DefaultSaramaSubscriberConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		pubSarama.ClientID = id
		subSarama.ClientID = id
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: pubSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         cfg.GetConsumerGroup(),
			OverwriteSaramaConfig: subSarama,
			NackResendSleep:       nackResendSleep,
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
	return transport.KafkaCapabilities
}
