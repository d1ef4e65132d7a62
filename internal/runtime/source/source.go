// Package source delivers raw statement payloads from a message stream or a
// directory of files, and settles each payload once the pipeline reaches a
// terminal outcome for it.
package source

import (
	"context"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/metadata"
)

// Kind names where a payload came from.
type Kind string

const (
	KindStream Kind = "stream"
	KindFile   Kind = "file"
)

// Provenance records the origin of a payload for logs and quarantine
// descriptors.
type Provenance struct {
	Kind       Kind      `json:"kind"`
	Topic      string    `json:"topic,omitempty"`
	Partition  int32     `json:"partition,omitempty"`
	Offset     int64     `json:"offset,omitempty"`
	Path       string    `json:"path,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// RawPayload is one undecoded statement as delivered by a Connector.
type RawPayload struct {
	ID         string
	Data       []byte
	Provenance Provenance
	Metadata   metadata.Metadata

	// handle is the connector's settlement token (message or claimed path).
	handle any
}

// Status is the connectivity of a Connector.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

// QuarantineRecord describes why a payload was quarantined. File connectors
// write it as the sidecar descriptor; stream connectors send it as headers.
type QuarantineRecord struct {
	Class       errspkg.Class `json:"error_class"`
	Message     string        `json:"error_message"`
	Stage       string        `json:"failed_stage"`
	StatementID string        `json:"statement_id,omitempty"`
	Attempts    int           `json:"attempts"`
	At          time.Time     `json:"failed_at"`
	Source      Provenance    `json:"source"`
}

// Connector is the pipeline's view of an input. Every payload returned by
// Poll must eventually be settled by exactly one of Acknowledge, Quarantine
// or Release.
type Connector interface {
	// Poll blocks until at least one payload is available, the poll interval
	// elapses (returning an empty batch) or ctx is done.
	Poll(ctx context.Context) ([]*RawPayload, error)
	// Acknowledge marks the payload fully handled.
	Acknowledge(ctx context.Context, p *RawPayload) error
	// Quarantine records the failure and removes the payload from the input.
	Quarantine(ctx context.Context, p *RawPayload, rec QuarantineRecord) error
	// Release leaves the payload unacknowledged so it is delivered again.
	Release(ctx context.Context, p *RawPayload) error
	Status() Status
	Close() error
}

type statusHolder struct {
	v atomic.Value
}

func (h *statusHolder) set(s Status) { h.v.Store(s) }

func (h *statusHolder) get() Status {
	if s, ok := h.v.Load().(Status); ok {
		return s
	}
	return StatusDisconnected
}
