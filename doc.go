// Package stmtflow turns financial statement payloads into PDF statements.
//
// Payloads arrive from a message broker topic or a directory of JSON files.
// Each one is normalized into a typed record, checked against business rules,
// matched to a versioned template, rendered to PDF and stored under a key
// derived from the statement id and the PDF's content hash. Every payload
// ends in exactly one outcome: success (acknowledged), quarantined (moved to
// the error directory or dead-letter topic with a failure record) or deferred
// (left for redelivery).
//
// A minimal file-batch setup:
//
//	conf := stmtflow.DefaultConfig()
//	registry, _ := stmtflow.NewTemplateRegistry(stmtflow.TemplateDir("templates"), logger)
//	_ = registry.Reload(ctx)
//	src, _ := stmtflow.NewFileBatch(stmtflow.FileBatchConfig{...}, logger)
//	blobs, _ := stmtflow.NewFileBlobStore("data/output")
//	artifacts, _ := stmtflow.NewSink(blobs, stmtflow.NewMemoryIndex())
//	pipeline, _ := stmtflow.NewPipeline(&conf, stmtflow.Dependencies{
//		Source:    src,
//		Templates: registry,
//		Renderer:  stmtflow.NewRenderer(nil, conf.RenderTimeout),
//		Sink:      artifacts,
//		Logger:    logger,
//	})
//	err := pipeline.Run(ctx)
//
// # Transports
//
// Streaming sources use a Watermill transport picked by Config.PubSubSystem.
// Import github.com/drblury/stmtflow/transport/transports to register all of
// them, or a single sub-package for one:
//   - kafka: consumer groups, offsets committed on acknowledge
//   - rabbitmq: durable queues
//   - aws: SNS topics with SQS subscriptions, LocalStack supported
//   - nats: core NATS queue groups (no redelivery)
//   - http: statements POSTed to an embedded server
//   - channel: in-process, for tests
//
// # Hooks and observability
//
// StatementHooks receive OnStatementStart, OnStatementDone, OnStatementError
// and OnAlert callbacks. Metrics exports Prometheus collectors under the
// stmtflow namespace, and AdminServer serves /healthz, /metrics, /api/stats and
// the template endpoints.
package stmtflow
