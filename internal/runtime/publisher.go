package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/ids"
	"github.com/drblury/stmtflow/internal/runtime/metadata"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// OutcomePublisher announces terminal outcomes on a topic so downstream
// systems (delivery, notification) can react to new artifacts.
type OutcomePublisher struct {
	publisher message.Publisher
	topic     string
}

func NewOutcomePublisher(publisher message.Publisher, topic string) (*OutcomePublisher, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &OutcomePublisher{publisher: publisher, topic: topic}, nil
}

// NewOutcomeMessage encodes the outcome as a protobuf Struct in JSON form.
func NewOutcomeMessage(out Outcome, md metadata.Metadata, at time.Time) (*message.Message, error) {
	fields := map[string]any{
		"payload_id":   out.PayloadID,
		"statement_id": out.StatementID,
		"outcome":      string(out.Kind),
		"stage":        string(out.Stage),
		"attempts":     out.Attempts,
		"emitted_at":   at.UTC().Format(time.RFC3339Nano),
	}
	if out.Err != nil {
		fields["error_class"] = string(out.Class)
		fields["error_message"] = out.Err.Error()
	}
	headers := metadata.Metadata{
		metadata.KeyPayloadID:   out.PayloadID,
		metadata.KeyStatementID: out.StatementID,
		metadata.KeyOutcome:     string(out.Kind),
	}
	if ref := out.Artifact; ref != nil {
		fields["artifact_key"] = ref.Key
		fields["content_hash"] = ref.ContentHash
		fields["template_version"] = ref.TemplateVersion
		fields["deduplicated"] = ref.Deduplicated
		if ref.Supersedes != "" {
			fields["supersedes"] = ref.Supersedes
		}
		headers[metadata.KeyTemplateVersion] = ref.TemplateVersion
		headers[metadata.KeyContentHash] = ref.ContentHash
	}

	event, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build outcome event: %w", err)
	}
	payload, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outcome event: %w", err)
	}

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = metadata.ToWatermill(md.WithAll(headers))
	return msg, nil
}

// Publish sends the outcome. The correlation id of the source payload is
// carried over through md.
func (o *OutcomePublisher) Publish(ctx context.Context, out Outcome, md metadata.Metadata) error {
	msg, err := NewOutcomeMessage(out, md, time.Now())
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	return o.publisher.Publish(o.topic, msg)
}

func (o *OutcomePublisher) Close() error {
	return o.publisher.Close()
}
