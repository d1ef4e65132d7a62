// Package sink persists rendered statements as content-addressed artifacts.
//
// An artifact is identified by (statement id, sha256 of the PDF). Storing the
// same bytes twice is a no-op that returns the existing reference. Storing
// different bytes for a known statement adds a new artifact and marks the
// previous current one as superseded; nothing is ever deleted.
package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/logging"
)

// ArtifactRef describes one stored artifact.
type ArtifactRef struct {
	StatementID     string     `json:"statement_id"`
	TemplateVersion string     `json:"template_version"`
	Key             string     `json:"key"`
	ContentHash     string     `json:"content_hash"`
	Size            int64      `json:"size"`
	CreatedAt       time.Time  `json:"created_at"`
	SupersededBy    string     `json:"superseded_by,omitempty"`
	SupersededAt    *time.Time `json:"superseded_at,omitempty"`

	// Set only on the ref returned by Store. Supersedes is the content hash
	// of the artifact this one replaced; Deduplicated means the artifact
	// already existed.
	Supersedes   string `json:"supersedes,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// Current reports whether the artifact has not been superseded.
func (r ArtifactRef) Current() bool {
	return r.SupersededBy == ""
}

// BlobStore holds artifact bytes under a key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Index tracks artifact metadata and supersession.
type Index interface {
	// Lookup returns nil, nil when the artifact is unknown.
	Lookup(ctx context.Context, statementID, contentHash string) (*ArtifactRef, error)
	// Record inserts ref and supersedes any other current artifact of the
	// same statement. It reports false when the artifact already existed.
	Record(ctx context.Context, ref ArtifactRef) (bool, error)
	History(ctx context.Context, statementID string) ([]ArtifactRef, error)
	// Current returns nil, nil when the statement has no artifact.
	Current(ctx context.Context, statementID string) (*ArtifactRef, error)
	Close() error
}

// Option configures a Sink.
type Option func(*Sink)

// WithClock overrides time.Now for artifact timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(s *Sink) { s.logger = logger }
}

// Sink combines a blob store and an index.
type Sink struct {
	blobs  BlobStore
	index  Index
	now    func() time.Time
	logger logging.ServiceLogger
}

// New returns a Sink over blobs and index.
func New(blobs BlobStore, index Index, opts ...Option) (*Sink, error) {
	if blobs == nil || index == nil {
		return nil, errspkg.ErrSinkRequired
	}
	s := &Sink{
		blobs:  blobs,
		index:  index,
		now:    time.Now,
		logger: logging.NewNopServiceLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the deterministic artifact key for a statement and content
// hash.
func Key(statementID, contentHash string) string {
	return "statements/" + escapeSegment(statementID) + "/" + contentHash + ".pdf"
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func escapeSegment(s string) string {
	s = url.PathEscape(s)
	if s == "." || s == ".." {
		return strings.ReplaceAll(s, ".", "%2E")
	}
	return s
}

// Store persists pdf for statementID. Failures are *SinkWriteError.
func (s *Sink) Store(ctx context.Context, statementID, templateVersion string, pdf []byte) (ArtifactRef, error) {
	hash := Hash(pdf)
	key := Key(statementID, hash)
	log := s.logger.With(logging.LogFields{"statement_id": statementID, "key": key})

	existing, err := s.index.Lookup(ctx, statementID, hash)
	if err != nil {
		return ArtifactRef{}, &errspkg.SinkWriteError{Key: key, Cause: err}
	}
	if existing != nil {
		if err := s.ensureBlob(ctx, key, pdf); err != nil {
			return ArtifactRef{}, err
		}
		log.Debug("Artifact already stored", nil)
		existing.Deduplicated = true
		return *existing, nil
	}

	if err := s.blobs.Put(ctx, key, pdf); err != nil {
		return ArtifactRef{}, &errspkg.SinkWriteError{Key: key, Cause: err}
	}

	prior, err := s.index.Current(ctx, statementID)
	if err != nil {
		return ArtifactRef{}, &errspkg.SinkWriteError{Key: key, Cause: err}
	}

	ref := ArtifactRef{
		StatementID:     statementID,
		TemplateVersion: templateVersion,
		Key:             key,
		ContentHash:     hash,
		Size:            int64(len(pdf)),
		CreatedAt:       s.now().UTC(),
	}
	inserted, err := s.index.Record(ctx, ref)
	if err != nil {
		return ArtifactRef{}, &errspkg.SinkWriteError{Key: key, Cause: err}
	}
	if !inserted {
		// Another worker recorded the same bytes first.
		winner, err := s.index.Lookup(ctx, statementID, hash)
		if err == nil && winner == nil {
			err = errors.New("artifact missing after conflicting insert")
		}
		if err != nil {
			return ArtifactRef{}, &errspkg.SinkWriteError{Key: key, Cause: err}
		}
		winner.Deduplicated = true
		return *winner, nil
	}

	fields := logging.LogFields{"size": ref.Size, "template_version": templateVersion}
	if prior != nil {
		ref.Supersedes = prior.ContentHash
		fields["supersedes"] = prior.ContentHash
	}
	log.Info("Artifact stored", fields)
	return ref, nil
}

// ensureBlob rewrites a blob the index knows about but the store lost.
func (s *Sink) ensureBlob(ctx context.Context, key string, pdf []byte) error {
	ok, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return &errspkg.SinkWriteError{Key: key, Cause: err}
	}
	if ok {
		return nil
	}
	if err := s.blobs.Put(ctx, key, pdf); err != nil {
		return &errspkg.SinkWriteError{Key: key, Cause: err}
	}
	return nil
}

// History lists every artifact of a statement, oldest first.
func (s *Sink) History(ctx context.Context, statementID string) ([]ArtifactRef, error) {
	return s.index.History(ctx, statementID)
}

// Current returns the non-superseded artifact of a statement, or nil.
func (s *Sink) Current(ctx context.Context, statementID string) (*ArtifactRef, error) {
	return s.index.Current(ctx, statementID)
}

// Close releases the index.
func (s *Sink) Close() error {
	return s.index.Close()
}
