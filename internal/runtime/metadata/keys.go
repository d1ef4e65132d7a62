package metadata

// Reserved header keys written by stmtflow. Custom metadata must not reuse them.
const (
	KeyCorrelationID = "correlation_id"
	KeyTraceID       = "trace_id"

	KeyPayloadID   = "stmtflow_payload_id"
	KeyStatementID = "stmtflow_statement_id"

	// Dead-letter headers.
	KeyErrorClass     = "stmtflow_error_class"
	KeyErrorMessage   = "stmtflow_error_message"
	KeyFailedStage    = "stmtflow_failed_stage"
	KeyFailedAt       = "stmtflow_failed_at"
	KeyAttempts       = "stmtflow_attempts"
	KeyOriginalTopic  = "stmtflow_original_topic"
	KeyPayloadDropped = "stmtflow_payload_dropped"

	// Outcome event headers.
	KeyOutcome         = "stmtflow_outcome"
	KeyTemplateVersion = "stmtflow_template_version"
	KeyContentHash     = "stmtflow_content_hash"
)
