// Package http provides a transport that receives statements as HTTP POSTs
// and forwards dead-letter and outcome events to another HTTP endpoint.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/stmtflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the HTTP transport. Statements are accepted on
// POST <server address>/<topic>; events are POSTed to <publisher URL><topic>.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	if serverAddr == "" {
		return transport.Transport{}, errors.New("http: server address is required")
	}
	publisherURL := cfg.GetHTTPPublisherURL()
	if publisherURL != "" && !strings.HasSuffix(publisherURL, "/") {
		publisherURL += "/"
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				if publisherURL == "" {
					return nil, errors.New("http: publisher URL is not configured")
				}
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &serverSubscriber{Subscriber: subscriber, logger: logger},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

type httpServer interface {
	StartHTTPServer() error
}

// serverSubscriber starts the HTTP server once the first route exists. Routes
// are registered by Subscribe, so starting earlier would serve nothing.
type serverSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *serverSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		server, ok := s.Subscriber.(httpServer)
		if !ok {
			return
		}
		go func() {
			if err := server.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return messages, nil
}
