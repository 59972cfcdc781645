package cbs

import (
	"context"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// CompositeStorage fans every CloudBlockStorage operation out across an
// ordered set of constituents, aggregating into a composite SnapshotRef —
// the multi-volume (LVM-style) case.
type CompositeStorage struct {
	Mount        string
	Constituents []model.CloudBlockStorage
}

func (s *CompositeStorage) Type() string      { return "CompositeStorage" }
func (s *CompositeStorage) MountPoint() string { return s.Mount }

// CreateSnapshot snapshots every constituent in order, aborting and leaving
// already-created constituent snapshots in place (the caller's Cleanup/retry
// path is responsible for reconciling a partial composite) if one fails.
func (s *CompositeStorage) CreateSnapshot(ctx context.Context, name, description string) (*model.SnapshotRef, error) {
	composite := &model.SnapshotRef{Status: model.SnapshotPending}
	for _, c := range s.Constituents {
		ref, err := c.CreateSnapshot(ctx, name, description)
		if err != nil {
			return nil, mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "createSnapshot",
				"creating constituent snapshot on "+c.MountPoint(), err)
		}
		composite.Constituents = append(composite.Constituents, ref)
	}
	composite.Status = aggregateStatus(composite.Constituents)
	return composite, nil
}

func (s *CompositeStorage) DeleteSnapshot(ctx context.Context, ref *model.SnapshotRef) error {
	for i, c := range s.Constituents {
		if i >= len(ref.Constituents) {
			break
		}
		if err := c.DeleteSnapshot(ctx, ref.Constituents[i]); err != nil {
			return err
		}
	}
	return nil
}

// CheckSnapshotUpdates polls every constituent and returns a fresh composite
// reference whenever any constituent changed.
func (s *CompositeStorage) CheckSnapshotUpdates(ctx context.Context, ref *model.SnapshotRef) (*model.SnapshotRef, error) {
	changed := false
	updated := make([]*model.SnapshotRef, len(ref.Constituents))
	for i, constituent := range ref.Constituents {
		if i >= len(s.Constituents) {
			updated[i] = constituent
			continue
		}
		fresh, err := s.Constituents[i].CheckSnapshotUpdates(ctx, constituent)
		if err != nil {
			return nil, err
		}
		if len(model.Diff(constituent, fresh)) > 0 {
			changed = true
			updated[i] = fresh
		} else {
			updated[i] = constituent
		}
	}
	if !changed {
		return ref, nil
	}
	return &model.SnapshotRef{
		ID:              ref.ID,
		Status:          aggregateStatus(updated),
		SourceWasLocked: ref.SourceWasLocked,
		Constituents:    updated,
	}, nil
}

// aggregateStatus implements the composite's terminal rule: ERROR if any
// constituent errored, PENDING if any constituent is still pending,
// otherwise COMPLETED.
func aggregateStatus(constituents []*model.SnapshotRef) model.SnapshotStatus {
	pending := false
	for _, c := range constituents {
		if c.Status == model.SnapshotError {
			return model.SnapshotError
		}
		if c.Status == model.SnapshotPending {
			pending = true
		}
	}
	if pending {
		return model.SnapshotPending
	}
	return model.SnapshotCompleted
}

func (s *CompositeStorage) SuspendIO(ctx context.Context) error {
	for _, c := range s.Constituents {
		if err := c.SuspendIO(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *CompositeStorage) ResumeIO(ctx context.Context) error {
	var errs []error
	for _, c := range s.Constituents {
		if err := c.ResumeIO(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ShareSnapshot implements model.SnapshotSharer by sharing every
// EBS-backed constituent; non-EBS constituents are skipped.
func (s *CompositeStorage) ShareSnapshot(ctx context.Context, ref *model.SnapshotRef, users, groups []string) error {
	for i, c := range s.Constituents {
		sharer, ok := c.(model.SnapshotSharer)
		if !ok || i >= len(ref.Constituents) {
			continue
		}
		if err := sharer.ShareSnapshot(ctx, ref.Constituents[i], users, groups); err != nil {
			return err
		}
	}
	return nil
}
