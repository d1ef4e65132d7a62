// Package transporttest provides a static transport.Config and no-op
// publisher/subscriber stubs for transport builder tests.
package transporttest

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a transport.Config backed by plain fields.
type Config struct {
	PubSubSystem       string
	KafkaBrokers       []string
	KafkaClientID      string
	ConsumerGroup      string
	RabbitMQURL        string
	NATSURL            string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string      { return c.KafkaClientID }
func (c *Config) GetConsumerGroup() string      { return c.ConsumerGroup }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetHTTPServerAddress() string  { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }

// Publisher records Close calls.
type Publisher struct {
	Closed bool
}

func (p *Publisher) Publish(string, ...*message.Message) error { return nil }
func (p *Publisher) Close() error                              { p.Closed = true; return nil }

// Subscriber never delivers anything.
type Subscriber struct {
	Closed bool
}

func (s *Subscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error { s.Closed = true; return nil }
