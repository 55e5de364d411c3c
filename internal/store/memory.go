package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"avi5/internal/core"
	apperrors "avi5/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemorySignalStore is an in-memory core.SignalRepository for tests.
type MemorySignalStore struct {
	mu      sync.Mutex
	signals map[uuid.UUID]*core.Signal
}

func NewMemorySignalStore() *MemorySignalStore {
	return &MemorySignalStore{signals: make(map[uuid.UUID]*core.Signal)}
}

func (s *MemorySignalStore) Create(ctx context.Context, sig *core.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.signals[sig.ID]; exists {
		return &apperrors.StorageError{SQLState: "23505", Symbol: sig.Symbol, EntityID: sig.ID.String(), Err: fmt.Errorf("duplicate signal")}
	}
	cp := *sig
	s.signals[sig.ID] = &cp
	return nil
}

func (s *MemorySignalStore) GetByID(ctx context.Context, id uuid.UUID) (*core.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	cp := *sig
	return &cp, nil
}

func (s *MemorySignalStore) UpdateStatus(ctx context.Context, id uuid.UUID, status core.SignalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	sig.Status = status
	sig.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySignalStore) SetError(ctx context.Context, id uuid.UUID, code int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	sig.Status = core.SignalStatusError
	sig.ErrorCode = &code
	sig.ErrorMessage = &msg
	sig.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySignalStore) ListCreatedAfter(ctx context.Context, cutoff time.Time) ([]*core.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Signal
	for _, sig := range s.signals {
		if sig.CreatedAt.After(cutoff) {
			cp := *sig
			out = append(out, &cp)
		}
	}
	sortSignals(out)
	return out, nil
}

func (s *MemorySignalStore) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*core.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Signal
	for _, sig := range s.signals {
		if sig.CreatedAt.Before(cutoff) {
			cp := *sig
			out = append(out, &cp)
		}
	}
	sortSignals(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemorySignalStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.signals, id)
	}
	return nil
}

func sortSignals(sigs []*core.Signal) {
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].CreatedAt.Before(sigs[j].CreatedAt) })
}

// MemoryPositionStore is an in-memory core.PositionRepository for tests.
type MemoryPositionStore struct {
	mu        sync.Mutex
	positions map[uuid.UUID]*core.Position
}

func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[uuid.UUID]*core.Position)}
}

func (s *MemoryPositionStore) Create(ctx context.Context, pos *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pos
	s.positions[pos.ID] = &cp
	return nil
}

func (s *MemoryPositionStore) GetByID(ctx context.Context, id uuid.UUID) (*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, apperrors.ErrStorage)
	}
	cp := *pos
	return &cp, nil
}

func (s *MemoryPositionStore) GetBySignal(ctx context.Context, signalID uuid.UUID) ([]*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Position
	for _, pos := range s.positions {
		if pos.SignalID == signalID {
			cp := *pos
			out = append(out, &cp)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryPositionStore) ListOpen(ctx context.Context) ([]*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Position
	for _, pos := range s.positions {
		if pos.ClosedAt == nil {
			cp := *pos
			out = append(out, &cp)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryPositionStore) UpdateFillRatio(ctx context.Context, id uuid.UUID, ratio decimal.Decimal) error {
	return s.update(id, func(p *core.Position) { p.FillRatio = ratio })
}

func (s *MemoryPositionStore) UpdateSize(ctx context.Context, id uuid.UUID, sizeBase, sizeQuote decimal.Decimal) error {
	return s.update(id, func(p *core.Position) {
		p.SizeBase = sizeBase
		p.SizeQuote = sizeQuote
	})
}

func (s *MemoryPositionStore) UpdateSlippage(ctx context.Context, id uuid.UUID, bps decimal.Decimal) error {
	return s.update(id, func(p *core.Position) { p.SlippageBps = bps })
}

func (s *MemoryPositionStore) Close(ctx context.Context, id uuid.UUID, closedAt time.Time) error {
	return s.update(id, func(p *core.Position) { p.ClosedAt = &closedAt })
}

func (s *MemoryPositionStore) ListAgedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*core.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Position
	for _, pos := range s.positions {
		age := pos.OpenedAt
		if pos.ClosedAt != nil {
			age = *pos.ClosedAt
		}
		if age.Before(cutoff) {
			cp := *pos
			out = append(out, &cp)
		}
	}
	sortPositions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryPositionStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.positions, id)
	}
	return nil
}

func (s *MemoryPositionStore) update(id uuid.UUID, fn func(p *core.Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, apperrors.ErrStorage)
	}
	fn(pos)
	pos.UpdatedAt = time.Now()
	return nil
}

func sortPositions(ps []*core.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].OpenedAt.Before(ps[j].OpenedAt) })
}

// MemoryKV is an in-memory core.KVStore for tests. TTLs are honoured
// lazily on read.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memoryKVItem
}

type memoryKVItem struct {
	value   string
	expires time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryKVItem)}
}

func (s *MemoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return "", false, nil
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		delete(s.items, key)
		return "", false, nil
	}
	return item.value, true, nil
}

func (s *MemoryKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := memoryKVItem{value: value}
	if ttl > 0 {
		item.expires = time.Now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *MemoryKV) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}
