package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// MemRegistry is an in-memory Registry.
//
// It doubles as the hot cache of the database-backed registries and as
// the standalone store for tests and short-lived executions. Data is
// lost when the process terminates.
type MemRegistry struct {
	mu    sync.RWMutex
	live  map[diagram.ExecutionID]*ExecutionState // hot cache: active executions
	done  map[diagram.ExecutionID]*ExecutionState // "persisted" terminal executions
	blobs BlobStore
}

// NewMemRegistry creates an empty in-memory registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		live: make(map[diagram.ExecutionID]*ExecutionState),
		done: make(map[diagram.ExecutionID]*ExecutionState),
	}
}

// SetBlobStore wires the store used to externalise oversized bodies.
func (m *MemRegistry) SetBlobStore(b BlobStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs = b
}

// CreateExecution implements Registry.
func (m *MemRegistry) CreateExecution(_ context.Context, id diagram.ExecutionID, diagramID diagram.DiagramID, variables map[string]any) (*ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := NewExecutionState(id, diagramID, variables)
	m.live[id] = st
	return st.Clone(), nil
}

// GetState implements Registry: cache first, then the terminal set.
func (m *MemRegistry) GetState(_ context.Context, id diagram.ExecutionID) (*ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.live[id]; ok {
		return st.Clone(), nil
	}
	if st, ok := m.done[id]; ok {
		return st.Clone(), nil
	}
	return nil, ErrNotFound
}

// SaveState implements Registry.
func (m *MemRegistry) SaveState(_ context.Context, st *ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := st.Clone()
	if st.IsActive {
		m.live[st.ID] = clone
		return nil
	}
	delete(m.live, st.ID)
	m.done[st.ID] = clone
	return nil
}

func (m *MemRegistry) mutate(id diagram.ExecutionID, fn func(*ExecutionState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.live[id]
	if !ok {
		if st, ok = m.done[id]; !ok {
			return ErrNotFound
		}
	}
	fn(st)
	if !st.IsActive {
		delete(m.live, id)
		m.done[id] = st
	}
	return nil
}

// UpdateStatus implements Registry.
func (m *MemRegistry) UpdateStatus(_ context.Context, id diagram.ExecutionID, status Status, errMsg string) error {
	return m.mutate(id, func(st *ExecutionState) {
		st.Status = status
		if errMsg != "" {
			st.Error = errMsg
		}
		if status.Terminal() {
			now := time.Now().UTC()
			st.EndedAt = &now
			st.IsActive = false
		}
	})
}

// UpdateNodeStatus implements Registry.
func (m *MemRegistry) UpdateNodeStatus(_ context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, status NodeStatus, errMsg string) error {
	return m.mutate(id, func(st *ExecutionState) {
		applyNodeStatus(st, nodeID, status, errMsg)
	})
}

// UpdateNodeOutput implements Registry. Bodies above the inline
// threshold are written to the blob store and replaced by a reference.
func (m *MemRegistry) UpdateNodeOutput(ctx context.Context, id diagram.ExecutionID, nodeID diagram.NodeID, env *envelope.Envelope, usage *envelope.Usage) error {
	stored := env
	m.mu.RLock()
	blobs := m.blobs
	m.mu.RUnlock()
	if blobs != nil && env != nil && env.InlineSize() > envelope.MaxInlineBytes {
		ref, err := blobs.PutBlob(ctx, id, env.BodyString())
		if err == nil {
			stored = env.WithRef(ref)
		}
	}
	return m.mutate(id, func(st *ExecutionState) {
		st.NodeOutput[nodeID] = stored
		if usage != nil {
			st.TokenUsage.Add(*usage)
			ns := st.Node(nodeID)
			if ns.LLMUsage == nil {
				ns.LLMUsage = &envelope.Usage{}
			}
			ns.LLMUsage.Add(*usage)
		}
	})
}

// AddTokenUsage implements Registry.
func (m *MemRegistry) AddTokenUsage(_ context.Context, id diagram.ExecutionID, usage envelope.Usage) error {
	return m.mutate(id, func(st *ExecutionState) {
		st.TokenUsage.Add(usage)
	})
}

// ListExecutions implements Registry, newest first.
func (m *MemRegistry) ListExecutions(_ context.Context, f Filter) ([]*ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*ExecutionState
	for _, st := range m.live {
		all = append(all, st)
	}
	for _, st := range m.done {
		all = append(all, st)
	}

	var out []*ExecutionState
	for _, st := range all {
		if f.DiagramID != "" && st.DiagramID != f.DiagramID {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// CleanupOld implements Registry. Only terminal executions are
// eligible for deletion.
func (m *MemRegistry) CleanupOld(_ context.Context, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for id, st := range m.done {
		if st.StartedAt.Before(cutoff) {
			delete(m.done, id)
			removed++
		}
	}
	return removed, nil
}

// Drop removes an execution from both the hot cache and the terminal
// set. The database-backed registries call it after persisting a
// terminal row, so that subsequent reads come from the durable store.
func (m *MemRegistry) Drop(id diagram.ExecutionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
	delete(m.done, id)
}

// CachedLen reports how many executions are in the hot cache. Used by
// tests asserting terminal evictions.
func (m *MemRegistry) CachedLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}
