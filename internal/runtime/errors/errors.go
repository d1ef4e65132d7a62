package errors

import sterrors "errors"

var (
	ErrPipelineRequired   = sterrors.New("stmtflow: pipeline is required")
	ErrSourceRequired     = sterrors.New("stmtflow: source connector is required")
	ErrRegistryRequired   = sterrors.New("stmtflow: template registry is required")
	ErrRendererRequired   = sterrors.New("stmtflow: renderer is required")
	ErrSinkRequired       = sterrors.New("stmtflow: output sink is required")
	ErrPublisherRequired  = sterrors.New("stmtflow: publisher is required")
	ErrSubscriberRequired = sterrors.New("stmtflow: subscriber is required")
	ErrTopicRequired      = sterrors.New("stmtflow: topic is required")
	ErrPayloadRequired    = sterrors.New("stmtflow: payload is required")
	ErrConnectorClosed    = sterrors.New("stmtflow: source connector is closed")
)
