// Package taskstore implements model.TaskStore. MemoryStore is an
// in-memory, mutex-guarded implementation suitable for tests and for
// single-process deployments where persistence survives only the daemon's
// lifetime.
package taskstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// MemoryStore indexes backups by ID; restores aren't separately indexed
// since nothing in this engine looks one up by ID once running.
type MemoryStore struct {
	mu      sync.Mutex
	backups map[string]*model.Backup
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{backups: make(map[string]*model.Backup)}
}

// UpdateBackup applies update's non-nil fields to b and indexes it, all
// under one lock so a concurrent GetBackup never observes a partial write
// (§6's "apply atomically" requirement).
func (s *MemoryStore) UpdateBackup(ctx context.Context, b *model.Backup, update model.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	applyCommon(&b.Task, update)

	if update.SourceStats != nil {
		b.SourceStats = update.SourceStats
	}
	if update.SelectedSources != nil {
		b.SelectedSources = update.SelectedSources
	}
	if update.TargetReference != nil {
		b.TargetReference = update.TargetReference
	}
	if update.SecondaryTargetReferences != nil {
		b.SecondaryTargetReferences = update.SecondaryTargetReferences
	}
	if update.LogTargetReference != nil {
		b.LogTargetReference = update.LogTargetReference
	}
	if update.BackupRateInMBPS != nil {
		b.BackupRateInMBPS = *update.BackupRateInMBPS
	}
	if update.Name != nil {
		b.Name = *update.Name
	}
	if update.Description != nil {
		b.Description = *update.Description
	}
	if update.Strategy != nil {
		b.Strategy = update.Strategy
	}

	s.backups[b.ID] = b
	return nil
}

// UpdateRestore applies update's non-nil fields to r. Restores aren't
// indexed by this store since nothing looks one up by ID once running.
func (s *MemoryStore) UpdateRestore(ctx context.Context, r *model.Restore, update model.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	applyCommon(&r.Task, update)
	if update.DestinationStats != nil {
		r.DestinationStats = update.DestinationStats
	}
	return nil
}

func (s *MemoryStore) GetBackup(ctx context.Context, id string) (*model.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return nil, fmt.Errorf("backup %q not found", id)
	}
	return b, nil
}

func applyCommon(t *model.Task, update model.TaskUpdate) {
	if update.Event != nil {
		t.Events.Append(*update.Event)
	}
	if update.Reschedulable != nil {
		t.Reschedulable = *update.Reschedulable
	}
}
