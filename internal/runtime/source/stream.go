package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/ids"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/metadata"
	"github.com/drblury/stmtflow/transport"
)

// StreamConfig configures a Stream connector.
type StreamConfig struct {
	Topic           string
	DeadLetterTopic string
	BatchSize       int
	PollInterval    time.Duration

	// Capabilities of the broker behind the publisher. Payloads larger than
	// its message limit are dead-lettered without a body.
	Capabilities transport.Capabilities
}

// Stream consumes statements from a Watermill subscriber. Offsets (or the
// broker's equivalent) only advance when a payload is acknowledged or
// quarantined; released payloads are nacked for redelivery.
type Stream struct {
	cfg    StreamConfig
	sub    message.Subscriber
	pub    message.Publisher
	logger logging.ServiceLogger
	status statusHolder

	// subscription lifetime is independent of any single Poll call.
	subCtx    context.Context
	subCancel context.CancelFunc

	mu       sync.Mutex
	messages <-chan *message.Message
	closed   bool
}

// NewStream returns a Stream. The publisher is used for the dead-letter
// topic only.
func NewStream(sub message.Subscriber, pub message.Publisher, cfg StreamConfig, logger logging.ServiceLogger) (*Stream, error) {
	if sub == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Topic == "" || cfg.DeadLetterTopic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	s := &Stream{
		cfg:    cfg,
		sub:    sub,
		pub:    pub,
		logger: logger.With(logging.LogFields{"source": "stream", "topic": cfg.Topic}),
	}
	s.subCtx, s.subCancel = context.WithCancel(context.Background())
	s.status.set(StatusDisconnected)
	return s, nil
}

func (s *Stream) subscription() (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errspkg.ErrConnectorClosed
	}
	if s.messages != nil {
		return s.messages, nil
	}
	messages, err := s.sub.Subscribe(s.subCtx, s.cfg.Topic)
	if err != nil {
		s.status.set(StatusDegraded)
		return nil, &errspkg.ConnectionError{Op: "subscribe " + s.cfg.Topic, Cause: err}
	}
	s.messages = messages
	s.status.set(StatusConnected)
	s.logger.Info("Subscribed", nil)
	return messages, nil
}

// Poll waits up to the poll interval for the first message, then takes
// whatever else is immediately available up to the batch size.
func (s *Stream) Poll(ctx context.Context) ([]*RawPayload, error) {
	messages, err := s.subscription()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	var batch []*RawPayload
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg, ok := <-messages:
		if !ok {
			return nil, s.lost()
		}
		batch = append(batch, s.payload(msg))
	}

	for len(batch) < s.cfg.BatchSize {
		select {
		case msg, ok := <-messages:
			if !ok {
				// Deliver what we have; the next Poll reports the loss.
				return batch, nil
			}
			batch = append(batch, s.payload(msg))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (s *Stream) lost() error {
	s.mu.Lock()
	closed := s.closed
	s.messages = nil
	s.mu.Unlock()
	if closed {
		return errspkg.ErrConnectorClosed
	}
	s.status.set(StatusDisconnected)
	return &errspkg.ConnectionError{Op: "consume " + s.cfg.Topic, Cause: errors.New("subscription closed")}
}

func (s *Stream) payload(msg *message.Message) *RawPayload {
	prov := Provenance{Kind: KindStream, Topic: s.cfg.Topic, ReceivedAt: time.Now().UTC()}
	if partition, ok := kafka.MessagePartitionFromCtx(msg.Context()); ok {
		prov.Partition = partition
	}
	if offset, ok := kafka.MessagePartitionOffsetFromCtx(msg.Context()); ok {
		prov.Offset = offset
	}
	return &RawPayload{
		ID:         msg.UUID,
		Data:       msg.Payload,
		Provenance: prov,
		Metadata:   metadata.FromWatermill(msg.Metadata),
		handle:     msg,
	}
}

func (s *Stream) message(p *RawPayload) (*message.Message, error) {
	msg, ok := p.handle.(*message.Message)
	if !ok {
		return nil, fmt.Errorf("stmtflow: payload %s was not delivered by this stream", p.ID)
	}
	return msg, nil
}

func (s *Stream) Acknowledge(_ context.Context, p *RawPayload) error {
	msg, err := s.message(p)
	if err != nil {
		return err
	}
	msg.Ack()
	return nil
}

// Quarantine publishes the original payload with failure headers to the
// dead-letter topic and then acknowledges the source message. If the publish
// fails the message stays unacknowledged.
//
// A payload the broker cannot carry is replaced by the KeyPayloadDropped
// header holding its original size.
func (s *Stream) Quarantine(ctx context.Context, p *RawPayload, rec QuarantineRecord) error {
	msg, err := s.message(p)
	if err != nil {
		return err
	}

	body := p.Data
	headers := metadata.Metadata{
		metadata.KeyPayloadID:     p.ID,
		metadata.KeyStatementID:   rec.StatementID,
		metadata.KeyErrorClass:    string(rec.Class),
		metadata.KeyErrorMessage:  rec.Message,
		metadata.KeyFailedStage:   rec.Stage,
		metadata.KeyFailedAt:      rec.At.UTC().Format(time.RFC3339Nano),
		metadata.KeyAttempts:      strconv.Itoa(rec.Attempts),
		metadata.KeyOriginalTopic: s.cfg.Topic,
	}
	if !s.cfg.Capabilities.FitsMessage(int64(len(body))) {
		s.logger.Info("Dead-letter payload exceeds broker limit, publishing headers only", logging.LogFields{
			"payload_id": p.ID,
			"size":       len(body),
		})
		headers[metadata.KeyPayloadDropped] = strconv.Itoa(len(body))
		body = nil
	}

	dlq := message.NewMessage(ids.CreateULID(), body)
	dlq.Metadata = metadata.ToWatermill(p.Metadata.WithAll(headers))
	dlq.SetContext(ctx)

	if err := s.pub.Publish(s.cfg.DeadLetterTopic, dlq); err != nil {
		return &errspkg.ConnectionError{Op: "publish " + s.cfg.DeadLetterTopic, Cause: err}
	}
	msg.Ack()
	return nil
}

func (s *Stream) Release(_ context.Context, p *RawPayload) error {
	msg, err := s.message(p)
	if err != nil {
		return err
	}
	msg.Nack()
	return nil
}

func (s *Stream) Status() Status {
	return s.status.get()
}

// Close ends the subscription and closes subscriber and publisher.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subCancel()
	s.status.set(StatusDisconnected)
	return errors.Join(s.sub.Close(), s.pub.Close())
}
