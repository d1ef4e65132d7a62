package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/ids"
	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/metadata"
)

// SidecarSuffix is appended to a quarantined file's name for its descriptor.
const SidecarSuffix = ".error.json"

const claimSeparator = "__"

// FileBatchConfig configures a FileBatch connector.
type FileBatchConfig struct {
	InputDir      string
	ProcessingDir string
	ArchiveDir    string
	QuarantineDir string
	// Pattern is a filepath.Match pattern applied to file names.
	Pattern         string
	BatchSize       int
	PollInterval    time.Duration
	StaleClaimAfter time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// FileBatch reads statement files from a directory. A file is claimed by
// renaming it into the processing directory under a ULID-prefixed name, so
// concurrent scanners never both own it and the claim time survives a crash.
type FileBatch struct {
	cfg    FileBatchConfig
	logger logging.ServiceLogger
	status statusHolder

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
}

type fileClaim struct {
	name string // original file name
	path string // current path in the processing directory
}

// NewFileBatch creates the directories it needs.
func NewFileBatch(cfg FileBatchConfig, logger logging.ServiceLogger) (*FileBatch, error) {
	if cfg.InputDir == "" {
		return nil, errors.New("stmtflow: input directory is required")
	}
	if cfg.ProcessingDir == "" {
		cfg.ProcessingDir = filepath.Join(cfg.InputDir, ".processing")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.json"
	}
	if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
		return nil, fmt.Errorf("stmtflow: file pattern %q: %w", cfg.Pattern, err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for _, dir := range []string{cfg.InputDir, cfg.ProcessingDir, cfg.ArchiveDir, cfg.QuarantineDir} {
		if dir == "" {
			return nil, errors.New("stmtflow: input, archive and quarantine directories are required")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}

	fb := &FileBatch{
		cfg:      cfg,
		logger:   logger.With(logging.LogFields{"source": "file_batch", "dir": cfg.InputDir}),
		inFlight: map[string]struct{}{},
	}
	fb.status.set(StatusConnected)
	return fb, nil
}

// Poll claims up to BatchSize files, oldest first. When the input is empty it
// waits one poll interval and looks again.
func (f *FileBatch) Poll(ctx context.Context) ([]*RawPayload, error) {
	batch, err := f.scan(ctx)
	if err != nil || len(batch) > 0 {
		return batch, err
	}

	timer := time.NewTimer(f.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return f.scan(ctx)
}

func (f *FileBatch) scan(ctx context.Context) ([]*RawPayload, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, errspkg.ErrConnectorClosed
	}

	f.reclaimStale()

	candidates, err := f.candidates()
	if err != nil {
		f.status.set(StatusDegraded)
		return nil, &errspkg.ConnectionError{Op: "scan " + f.cfg.InputDir, Cause: err}
	}
	f.status.set(StatusConnected)

	var batch []*RawPayload
	for _, name := range candidates {
		if len(batch) >= f.cfg.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return batch, nil
		}
		p, err := f.claim(name)
		if err != nil {
			f.logger.Error("Failed to claim file", err, logging.LogFields{"file": name})
			continue
		}
		if p != nil {
			batch = append(batch, p)
		}
	}
	return batch, nil
}

type candidate struct {
	name    string
	modTime time.Time
}

func (f *FileBatch) candidates() ([]string, error) {
	entries, err := os.ReadDir(f.cfg.InputDir)
	if err != nil {
		return nil, err
	}
	var found []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if ok, _ := filepath.Match(f.cfg.Pattern, e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{name: e.Name(), modTime: info.ModTime()})
	}
	slices.SortFunc(found, func(a, b candidate) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	names := make([]string, len(found))
	for i, c := range found {
		names[i] = c.name
	}
	return names, nil
}

// claim returns nil, nil when another scanner won the rename.
func (f *FileBatch) claim(name string) (*RawPayload, error) {
	now := f.cfg.Now()
	id := ids.CreateULIDAt(now)
	claimed := filepath.Join(f.cfg.ProcessingDir, id+claimSeparator+name)
	source := filepath.Join(f.cfg.InputDir, name)

	if err := os.Rename(source, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	data, err := os.ReadFile(claimed)
	if err != nil {
		_ = os.Rename(claimed, source)
		return nil, err
	}

	f.mu.Lock()
	f.inFlight[claimed] = struct{}{}
	f.mu.Unlock()

	return &RawPayload{
		ID:   id,
		Data: data,
		Provenance: Provenance{
			Kind:       KindFile,
			Path:       source,
			ReceivedAt: now.UTC(),
		},
		Metadata: metadata.New(metadata.KeyPayloadID, id),
		handle:   fileClaim{name: name, path: claimed},
	}, nil
}

// reclaimStale returns claims older than StaleClaimAfter that this process
// does not hold to the input directory. They belong to a crashed run.
func (f *FileBatch) reclaimStale() {
	entries, err := os.ReadDir(f.cfg.ProcessingDir)
	if err != nil {
		return
	}
	now := f.cfg.Now()
	for _, e := range entries {
		id, name, ok := strings.Cut(e.Name(), claimSeparator)
		if !ok || !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(f.cfg.ProcessingDir, e.Name())
		f.mu.Lock()
		_, held := f.inFlight[path]
		f.mu.Unlock()
		if held {
			continue
		}
		claimedAt, err := ids.Time(id)
		if err != nil || now.Sub(claimedAt) < f.cfg.StaleClaimAfter {
			continue
		}
		target, err := moveUnique(path, f.cfg.InputDir, name)
		if err != nil {
			f.logger.Error("Failed to reclaim stale file", err, logging.LogFields{"file": path})
			continue
		}
		f.logger.Info("Reclaimed stale file", logging.LogFields{"file": target, "claimed_at": claimedAt})
	}
}

func (f *FileBatch) take(p *RawPayload) (fileClaim, error) {
	c, ok := p.handle.(fileClaim)
	if !ok {
		return fileClaim{}, fmt.Errorf("stmtflow: payload %s was not claimed by this connector", p.ID)
	}
	return c, nil
}

func (f *FileBatch) done(c fileClaim) {
	f.mu.Lock()
	delete(f.inFlight, c.path)
	f.mu.Unlock()
}

// Acknowledge moves the file to the archive directory.
func (f *FileBatch) Acknowledge(_ context.Context, p *RawPayload) error {
	c, err := f.take(p)
	if err != nil {
		return err
	}
	if _, err := moveUnique(c.path, f.cfg.ArchiveDir, c.name); err != nil {
		return &errspkg.ConnectionError{Op: "archive " + c.name, Cause: err}
	}
	f.done(c)
	return nil
}

// Quarantine writes the sidecar descriptor and then moves the file next to
// it in the quarantine directory.
func (f *FileBatch) Quarantine(_ context.Context, p *RawPayload, rec QuarantineRecord) error {
	c, err := f.take(p)
	if err != nil {
		return err
	}
	name := uniqueName(f.cfg.QuarantineDir, c.name)
	rec.Source = p.Provenance

	descriptor, err := jsoncodec.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(f.cfg.QuarantineDir, name+SidecarSuffix), descriptor); err != nil {
		return &errspkg.ConnectionError{Op: "write sidecar " + name, Cause: err}
	}
	if err := os.Rename(c.path, filepath.Join(f.cfg.QuarantineDir, name)); err != nil {
		return &errspkg.ConnectionError{Op: "quarantine " + name, Cause: err}
	}
	f.done(c)
	return nil
}

// Release returns the file to the input directory.
func (f *FileBatch) Release(_ context.Context, p *RawPayload) error {
	c, err := f.take(p)
	if err != nil {
		return err
	}
	if _, err := moveUnique(c.path, f.cfg.InputDir, c.name); err != nil {
		return &errspkg.ConnectionError{Op: "release " + c.name, Cause: err}
	}
	f.done(c)
	return nil
}

func (f *FileBatch) Status() Status {
	return f.status.get()
}

// Close stops further polling. Claimed files stay in the processing
// directory until settled or reclaimed.
func (f *FileBatch) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.status.set(StatusDisconnected)
	return nil
}

// uniqueName returns name, or name with a ULID inserted before the extension
// when dir already holds it.
func uniqueName(dir, name string) string {
	if _, err := os.Lstat(filepath.Join(dir, name)); errors.Is(err, fs.ErrNotExist) {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "." + ids.CreateULID() + ext
}

func moveUnique(src, dir, name string) (string, error) {
	target := filepath.Join(dir, uniqueName(dir, name))
	return target, os.Rename(src, target)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
