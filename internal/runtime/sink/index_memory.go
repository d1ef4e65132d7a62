package sink

import (
	"context"
	"sync"
)

// MemoryIndex keeps artifact metadata in process. Suitable for tests and
// single-run file batches.
type MemoryIndex struct {
	mu        sync.Mutex
	artifacts map[string][]ArtifactRef
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{artifacts: map[string][]ArtifactRef{}}
}

func (m *MemoryIndex) Lookup(_ context.Context, statementID, contentHash string) (*ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range m.artifacts[statementID] {
		if ref.ContentHash == contentHash {
			return &ref, nil
		}
	}
	return nil, nil
}

func (m *MemoryIndex) Record(_ context.Context, ref ArtifactRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.artifacts[ref.StatementID]
	for _, existing := range refs {
		if existing.ContentHash == ref.ContentHash {
			return false, nil
		}
	}
	at := ref.CreatedAt
	for i := range refs {
		if refs[i].Current() {
			refs[i].SupersededBy = ref.Key
			refs[i].SupersededAt = &at
		}
	}
	ref.Deduplicated = false
	m.artifacts[ref.StatementID] = append(refs, ref)
	return true, nil
}

func (m *MemoryIndex) History(_ context.Context, statementID string) ([]ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.artifacts[statementID]
	out := make([]ArtifactRef, len(refs))
	copy(out, refs)
	return out, nil
}

func (m *MemoryIndex) Current(_ context.Context, statementID string) (*ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range m.artifacts[statementID] {
		if ref.Current() {
			return &ref, nil
		}
	}
	return nil, nil
}

func (m *MemoryIndex) Close() error { return nil }
