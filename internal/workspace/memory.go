package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is an in-process Store used for tests and embedded callers.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Workspace
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewMemoryStore creates a memory-backed store with the given retention
// window. A zero retention disables sweeping.
func NewMemoryStore(retention time.Duration, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		records:   make(map[string]*Workspace),
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, ws *Workspace) error {
	if ws == nil || ws.ID == "" {
		return fmt.Errorf("workspace id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[ws.ID]; ok {
		return fmt.Errorf("workspace %s already exists", ws.ID)
	}
	cp := ws.Clone()
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.records[ws.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ws.Clone(), nil
}

func (s *MemoryStore) SetStrategy(ctx context.Context, id string, strategy Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	ws.Strategy = strategy
	return nil
}

func (s *MemoryStore) PutChunks(ctx context.Context, id string, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	ws.Chunks = append([]Chunk(nil), chunks...)
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(ws.Status, status); err != nil {
		return err
	}
	ws.Status = status
	return nil
}

func (s *MemoryStore) AppendResult(ctx context.Context, id string, result WorkerResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	ws.Results = append(ws.Results, result)
	return nil
}

func (s *MemoryStore) Finalize(ctx context.Context, id string, final FinalAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if ws.Final != nil {
		return ErrAlreadyFinalized
	}
	if err := checkTransition(ws.Status, StatusComplete); err != nil {
		return err
	}
	if final.CreatedAt.IsZero() {
		final.CreatedAt = s.now()
	}
	ws.Final = &final
	ws.Status = StatusComplete
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ws := range s.records {
		if ws.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Swept expired workspaces", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
