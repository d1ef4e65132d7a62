package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/stmtflow/transport"
	"github.com/drblury/stmtflow/transport/transporttest"
)

type startingSubscriber struct {
	transporttest.Subscriber
	started chan struct{}
}

func (s *startingSubscriber) StartHTTPServer() error {
	close(s.started)
	return nethttp.ErrServerClosed
}

func stubFactories(t *testing.T, sub message.Subscriber) *watermillhttp.PublisherConfig {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	var got watermillhttp.PublisherConfig
	PublisherFactory = func(cfg watermillhttp.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		got = cfg
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(addr string, _ watermillhttp.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":8080", addr)
		if sub == nil {
			return nil, errors.New("listen tcp :8080: address already in use")
		}
		return sub, nil
	}
	return &got
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestBuildStartsServerAfterSubscribe(t *testing.T) {
	sub := &startingSubscriber{started: make(chan struct{})}
	got := stubFactories(t, sub)

	tr, err := Build(context.Background(), &transporttest.Config{
		HTTPServerAddress: ":8080",
		HTTPPublisherURL:  "http://events.internal",
	}, watermill.NopLogger{})
	require.NoError(t, err)

	select {
	case <-sub.started:
		t.Fatal("server started before any route was registered")
	case <-time.After(20 * time.Millisecond):
	}

	_, err = tr.Subscriber.Subscribe(context.Background(), "financial-statements")
	require.NoError(t, err)
	select {
	case <-sub.started:
	case <-time.After(time.Second):
		t.Fatal("server was not started after Subscribe")
	}

	req, err := got.MarshalMessageFunc("statement-outcomes", message.NewMessage("m1", []byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, "http://events.internal/statement-outcomes", req.URL.String())
}

func TestBuildWithoutPublisherURLRejectsPublishing(t *testing.T) {
	got := stubFactories(t, &startingSubscriber{started: make(chan struct{})})

	_, err := Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":8080"}, watermill.NopLogger{})
	require.NoError(t, err)

	_, err = got.MarshalMessageFunc("statement-outcomes", message.NewMessage("m1", nil))
	assert.ErrorContains(t, err, "publisher URL")
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "server address is required")

	stubFactories(t, nil)
	_, err = Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":8080"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "address already in use")
}
