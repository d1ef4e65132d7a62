package transport

// Capabilities describes what a broker guarantees to the statement source.
type Capabilities struct {
	// SupportsOrdering indicates messages within a partition/stream are
	// delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates offsets only advance on explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates a negative acknowledgment leads to redelivery.
	SupportsNack bool

	// SupportsNativeDLQ indicates the broker can route failures itself. The
	// pipeline still publishes quarantined payloads to the dead-letter topic.
	SupportsNativeDLQ bool

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the registered transport name.
	Name string
}

// SupportsRedelivery reports whether released statements come back. Without
// it a payload whose artifact write keeps failing is lost on release.
func (c Capabilities) SupportsRedelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// FitsMessage reports whether a payload of size bytes can be carried. Unknown
// limits accept everything.
func (c Capabilities) FitsMessage(size int64) bool {
	return c.MaxMessageSize == 0 || size <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka. A nack makes the consumer re-read
	// the same offset.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
	}

	// NATSCapabilities for NATS Core. Delivery is at-most-once.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// AWSCapabilities for SNS fan-out into SQS.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsNativeDLQ: true,
		MaxMessageSize:    262144, // 256KB
	}

	// HTTPCapabilities for statements POSTed to the subscriber's server.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports report a zero Capabilities with only Name set.
func GetCapabilities(transportName string) Capabilities {
	caps, _ := DefaultRegistry.Capabilities(transportName)
	return caps
}
