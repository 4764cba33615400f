package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

// MemoryStore is an in-process Store. Every read hands out a deep copy so
// callers can never mutate stored state outside ConditionalUpdate.
type MemoryStore struct {
	mu         sync.RWMutex
	instances  map[string]*ExecutionInstance
	interrupts map[string]*Interrupt
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  make(map[string]*ExecutionInstance),
		interrupts: make(map[string]*Interrupt),
	}
}

func (s *MemoryStore) SaveInstance(ctx context.Context, inst *ExecutionInstance) error {
	if inst == nil || inst.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already saved", inst.ID)
	}
	now := time.Now().UTC()
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = now
	cp, err := DeepCopy(inst)
	if err != nil {
		return err
	}
	s.instances[inst.ID] = cp
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*ExecutionInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	return DeepCopy(inst)
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ExecutionInstance, error) {
	s.mu.RLock()
	var matched []*ExecutionInstance
	for _, inst := range s.instances {
		if matchInstance(inst, filter) {
			matched = append(matched, inst)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]*ExecutionInstance, 0, len(matched))
	for _, inst := range matched {
		cp, err := DeepCopy(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func matchInstance(inst *ExecutionInstance, f InstanceFilter) bool {
	if f.ExecutionID != "" && inst.ExecutionID != f.ExecutionID {
		return false
	}
	if f.AccountID != "" && inst.AccountID != f.AccountID {
		return false
	}
	if f.StepType != "" && inst.StepType != f.StepType {
		return false
	}
	if f.ParentInstanceID != "" && inst.ParentInstanceID != f.ParentInstanceID {
		return false
	}
	if len(f.Statuses) > 0 && !schema.ContainsStatus(f.Statuses, inst.Status) {
		return false
	}
	if !f.CreatedSince.IsZero() && inst.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	if f.ExpiredBefore > 0 && inst.ExpiryTs >= f.ExpiredBefore {
		return false
	}
	return true
}

func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expected []schema.ExecutionStatus, mutate Mutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[id]
	if !ok {
		return false, storeNotFound("instance", id)
	}
	if !schema.ContainsStatus(expected, cur.Status) {
		return false, nil
	}
	next, err := DeepCopy(cur)
	if err != nil {
		return false, err
	}
	if err := mutate(next); err != nil {
		return false, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.instances[id] = next
	return true, nil
}

func (s *MemoryStore) SaveInterrupt(ctx context.Context, in *Interrupt) error {
	if in == nil || in.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "interrupt id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	in.CreatedAt = timeOrNow(in.CreatedAt)
	cp := *in
	cp.Properties = copyMap(in.Properties)
	s.interrupts[in.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInterrupt(ctx context.Context, id string) (*Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.interrupts[id]
	if !ok {
		return nil, storeNotFound("interrupt", id)
	}
	cp := *in
	cp.Properties = copyMap(in.Properties)
	return &cp, nil
}

func (s *MemoryStore) ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Interrupt
	for _, in := range s.interrupts {
		if filter.ExecutionID != "" && in.ExecutionID != filter.ExecutionID {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, in.Type) {
			continue
		}
		if filter.Seized != nil && in.Seized != *filter.Seized {
			continue
		}
		cp := *in
		cp.Properties = copyMap(in.Properties)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SeizeInterrupt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.interrupts[id]
	if !ok {
		return storeNotFound("interrupt", id)
	}
	in.Seized = true
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func containsType(list []schema.InterruptType, t schema.InterruptType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
