// Package transport builds the Watermill publisher/subscriber pair behind the
// streaming statement source. Each broker lives in its own sub-package and
// registers itself with the registry; import transport/transports to get all
// of them.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// The subscriber consumes statements; the publisher carries dead-letter and
// outcome events.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// Capabilities is set by Registry.Build.
	Capabilities Capabilities
}

// Close closes the subscriber first so no new statements arrive while the
// publisher is shutting down.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the broker settings transports need without depending on
// the full config package.
type Config interface {
	// GetPubSubSystem returns the transport name.
	GetPubSubSystem() string

	// GetConsumerGroup names the group of instances sharing the statement
	// stream (Kafka consumer group, RabbitMQ queue suffix).
	GetConsumerGroup() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
