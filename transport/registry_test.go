package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConfig struct {
	pubSubSystem string
}

func (s *stubConfig) GetPubSubSystem() string       { return s.pubSubSystem }
func (s *stubConfig) GetKafkaBrokers() []string     { return nil }
func (s *stubConfig) GetKafkaClientID() string      { return "" }
func (s *stubConfig) GetConsumerGroup() string      { return "" }
func (s *stubConfig) GetRabbitMQURL() string        { return "" }
func (s *stubConfig) GetNATSURL() string            { return "" }
func (s *stubConfig) GetHTTPServerAddress() string  { return "" }
func (s *stubConfig) GetHTTPPublisherURL() string   { return "" }
func (s *stubConfig) GetAWSRegion() string          { return "" }
func (s *stubConfig) GetAWSAccountID() string       { return "" }
func (s *stubConfig) GetAWSAccessKeyID() string     { return "" }
func (s *stubConfig) GetAWSSecretAccessKey() string { return "" }
func (s *stubConfig) GetAWSEndpoint() string        { return "" }

type closeRecorder struct {
	name   string
	closed *[]string
	err    error
}

func (c closeRecorder) Publish(string, ...*message.Message) error { return nil }

func (c closeRecorder) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (c closeRecorder) Close() error {
	*c.closed = append(*c.closed, c.name)
	return c.err
}

func okBuilder(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
	var closed []string
	return Transport{
		Publisher:  closeRecorder{name: "pub", closed: &closed},
		Subscriber: closeRecorder{name: "sub", closed: &closed},
	}, nil
}

func TestRegistryBuildCarriesCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.Register("kafka", okBuilder, KafkaCapabilities)

	tr, err := reg.Build(context.Background(), &stubConfig{pubSubSystem: "kafka"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.Equal(t, KafkaCapabilities, tr.Capabilities)

	caps, ok := reg.Capabilities("kafka")
	assert.True(t, ok)
	assert.Equal(t, KafkaCapabilities, caps)
}

func TestRegistryFillsCapabilityName(t *testing.T) {
	reg := NewRegistry()
	reg.Register("loopback", okBuilder, Capabilities{SupportsAck: true})

	caps, ok := reg.Capabilities("loopback")
	require.True(t, ok)
	assert.Equal(t, "loopback", caps.Name)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, errors.New("broker unreachable")
	}, Capabilities{})
	reg.Register("kafka", okBuilder, KafkaCapabilities)

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &stubConfig{pubSubSystem: "pulsar"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.ErrorContains(t, err, `"pulsar" (registered: [failing kafka])`)

	_, err = reg.Build(context.Background(), &stubConfig{pubSubSystem: "failing"}, nil)
	assert.ErrorContains(t, err, "build failing transport: broker unreachable")
}

func TestRegistryNamesAreSorted(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())
	for _, name := range []string{"rabbitmq", "aws", "kafka"} {
		reg.Register(name, okBuilder, Capabilities{})
	}
	assert.Equal(t, []string{"aws", "kafka", "rabbitmq"}, reg.Names())
	assert.True(t, reg.Has("aws"))
	assert.False(t, reg.Has("nats"))
}

func TestRegistryUnknownCapabilities(t *testing.T) {
	caps, ok := NewRegistry().Capabilities("unknown")
	assert.False(t, ok)
	assert.Equal(t, Capabilities{Name: "unknown"}, caps)
	assert.False(t, caps.SupportsRedelivery())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("channel", okBuilder, ChannelCapabilities)
				reg.Has("channel")
				reg.Names()
				reg.Capabilities("channel")
			}
		}()
	}
	wg.Wait()
	assert.True(t, reg.Has("channel"))
}

func TestDefaultRegistryHelpers(t *testing.T) {
	Register("test-default", okBuilder, ChannelCapabilities)
	assert.True(t, DefaultRegistry.Has("test-default"))
	assert.Equal(t, ChannelCapabilities, GetCapabilities("test-default"))

	tr, err := Build(context.Background(), &stubConfig{pubSubSystem: "test-default"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "channel", tr.Capabilities.Name)
}
