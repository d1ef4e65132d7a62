package stmtflow

import (
	runtimepkg "github.com/drblury/stmtflow/internal/runtime"
	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	idspkg "github.com/drblury/stmtflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/stmtflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stmtflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/stmtflow/internal/runtime/metadata"
	renderpkg "github.com/drblury/stmtflow/internal/runtime/render"
	sinkpkg "github.com/drblury/stmtflow/internal/runtime/sink"
	sourcepkg "github.com/drblury/stmtflow/internal/runtime/source"
	statementpkg "github.com/drblury/stmtflow/internal/runtime/statement"
	templatespkg "github.com/drblury/stmtflow/internal/runtime/templates"
	transportpkg "github.com/drblury/stmtflow/transport"
)

type (
	Config       = configpkg.Config
	Pipeline     = runtimepkg.Pipeline
	Dependencies = runtimepkg.Dependencies
	Outcome      = runtimepkg.Outcome
	OutcomeKind  = runtimepkg.OutcomeKind
	Stage        = runtimepkg.Stage
	Health       = runtimepkg.Health

	StatementValidator = runtimepkg.StatementValidator
	TemplateResolver   = runtimepkg.TemplateResolver
	StatementRenderer  = runtimepkg.StatementRenderer
	ArtifactStore      = runtimepkg.ArtifactStore

	// Lifecycle hooks
	StatementHooks   = runtimepkg.StatementHooks
	StatementContext = runtimepkg.StatementContext
	Alert            = runtimepkg.Alert
	AlertSeverity    = runtimepkg.AlertSeverity

	// Observability
	Metrics          = runtimepkg.Metrics
	PipelineStats    = runtimepkg.PipelineStats
	AdminServer      = runtimepkg.AdminServer
	TemplateCatalog  = runtimepkg.TemplateCatalog
	OutcomePublisher = runtimepkg.OutcomePublisher

	// Sources
	Connector        = sourcepkg.Connector
	RawPayload       = sourcepkg.RawPayload
	Provenance       = sourcepkg.Provenance
	QuarantineRecord = sourcepkg.QuarantineRecord
	SourceStatus     = sourcepkg.Status
	FileBatchConfig  = sourcepkg.FileBatchConfig
	StreamConfig     = sourcepkg.StreamConfig

	// Statements and templates
	Record           = statementpkg.Record
	ValidatorConfig  = statementpkg.ValidatorConfig
	Template         = templatespkg.Template
	TemplateRegistry = templatespkg.Registry
	TemplateSource   = templatespkg.Source
	TemplateSummary  = templatespkg.Summary
	RenderEngine     = renderpkg.Engine
	Document         = renderpkg.Document

	// Artifacts
	ArtifactRef = sinkpkg.ArtifactRef
	BlobStore   = sinkpkg.BlobStore
	Index       = sinkpkg.Index
	Sink        = sinkpkg.Sink
	MinIOConfig = sinkpkg.MinIOConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Error classification
	ErrorClass            = errspkg.Class
	ConnectionError       = errspkg.ConnectionError
	MalformedPayloadError = errspkg.MalformedPayloadError
	SchemaError           = errspkg.SchemaError
	BusinessRuleError     = errspkg.BusinessRuleError
	TemplateNotFoundError = errspkg.TemplateNotFoundError
	RenderError           = errspkg.RenderError
	RenderTimeoutError    = errspkg.RenderTimeoutError
	SinkWriteError        = errspkg.SinkWriteError
	InternalError         = errspkg.InternalError

	// Transports
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	NewPipeline         = runtimepkg.NewPipeline
	NewMetrics          = runtimepkg.NewMetrics
	NewAdminServer      = runtimepkg.NewAdminServer
	NewOutcomePublisher = runtimepkg.NewOutcomePublisher
	NewOutcomeMessage   = runtimepkg.NewOutcomeMessage
	LoggingHooks        = runtimepkg.LoggingHooks
	AlertingHooks       = runtimepkg.AlertingHooks
	CheckFraming        = runtimepkg.CheckFraming

	NewFileBatch = sourcepkg.NewFileBatch
	NewStream    = sourcepkg.NewStream

	Normalize    = statementpkg.Normalize
	NewValidator = statementpkg.NewValidator

	NewTemplateRegistry = templatespkg.NewRegistry
	TemplateDir         = templatespkg.DirSource
	NewTemplateWatcher  = templatespkg.NewWatcher

	NewRenderer  = renderpkg.New
	NewPDFEngine = renderpkg.NewPDFEngine

	NewSink           = sinkpkg.New
	NewFileBlobStore  = sinkpkg.NewFileBlobStore
	NewMinIOBlobStore = sinkpkg.NewMinIOBlobStore
	NewMemoryIndex    = sinkpkg.NewMemoryIndex
	OpenSQLiteIndex   = sinkpkg.OpenSQLiteIndex
	OpenPostgresIndex = sinkpkg.OpenPostgresIndex
	ArtifactKey       = sinkpkg.Key
	ContentHash       = sinkpkg.Hash

	ClassifyError = errspkg.Classify
	IsTransient   = errspkg.IsTransient

	// Modular transport registry. Import individual transports via:
	// _ "github.com/drblury/stmtflow/transport/kafka"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrSourceRequired     = errspkg.ErrSourceRequired
	ErrRegistryRequired   = errspkg.ErrRegistryRequired
	ErrRendererRequired   = errspkg.ErrRendererRequired
	ErrSinkRequired       = errspkg.ErrSinkRequired
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrSubscriberRequired = errspkg.ErrSubscriberRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrPayloadRequired    = errspkg.ErrPayloadRequired
	ErrConnectorClosed    = errspkg.ErrConnectorClosed

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys carried on stream messages, outcome events and dead letters.
const (
	MetadataKeyCorrelationID   = metadatapkg.KeyCorrelationID
	MetadataKeyTraceID         = metadatapkg.KeyTraceID
	MetadataKeyStatementID     = metadatapkg.KeyStatementID
	MetadataKeyErrorClass      = metadatapkg.KeyErrorClass
	MetadataKeyFailedStage     = metadatapkg.KeyFailedStage
	MetadataKeyOutcome         = metadatapkg.KeyOutcome
	MetadataKeyTemplateVersion = metadatapkg.KeyTemplateVersion
	MetadataKeyContentHash     = metadatapkg.KeyContentHash
)

// Outcome kinds.
const (
	OutcomeSuccess     = runtimepkg.OutcomeSuccess
	OutcomeQuarantined = runtimepkg.OutcomeQuarantined
	OutcomeDeferred    = runtimepkg.OutcomeDeferred
)

// Processing stages in the order a payload moves through them.
const (
	StageReceive     = runtimepkg.StageReceive
	StageNormalize   = runtimepkg.StageNormalize
	StageValidate    = runtimepkg.StageValidate
	StageResolve     = runtimepkg.StageResolve
	StageRender      = runtimepkg.StageRender
	StageStore       = runtimepkg.StageStore
	StageAcknowledge = runtimepkg.StageAcknowledge
)

// Error classes.
const (
	ClassConnection       = errspkg.ClassConnection
	ClassMalformedPayload = errspkg.ClassMalformedPayload
	ClassSchema           = errspkg.ClassSchema
	ClassBusinessRule     = errspkg.ClassBusinessRule
	ClassTemplateNotFound = errspkg.ClassTemplateNotFound
	ClassRender           = errspkg.ClassRender
	ClassRenderTimeout    = errspkg.ClassRenderTimeout
	ClassSinkWrite        = errspkg.ClassSinkWrite
	ClassInternal         = errspkg.ClassInternal
)
