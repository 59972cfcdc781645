package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
	"github.com/anthrax3/mongodb-backup-system/internal/quiescence"
)

const (
	pendingPollInterval  = 5 * time.Second
	terminalPollInterval = 60 * time.Second
)

// CloudBlockStorageStrategy runs a cloud block-storage snapshot of the
// source, quiescing it first (§4.4, §4.6).
type CloudBlockStorageStrategy struct {
	Shared

	// ShareUsers/ShareGroups configure the EBS snapshot-sharing
	// specialization (§4.6); both nil/empty means sharing is disabled.
	ShareUsers  []string
	ShareGroups []string

	Coordinator *quiescence.Coordinator
	Logger      *slog.Logger

	// PendingPollInterval/TerminalPollInterval override the package poll
	// intervals; zero means use the defaults. Tests shrink these to avoid
	// real multi-second sleeps.
	PendingPollInterval  time.Duration
	TerminalPollInterval time.Duration
}

func (s *CloudBlockStorageStrategy) Type() string { return "CloudBlockStorageStrategy" }

func (s *CloudBlockStorageStrategy) NeedsNewMemberSelection(b *model.Backup) bool {
	return !b.Events.Has(evEndKickoffSnapshot)
}

func (s *CloudBlockStorageStrategy) NeedsNewSourceStats(b *model.Backup) bool {
	return !b.Events.Has(evEndKickoffSnapshot)
}

func (s *CloudBlockStorageStrategy) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RunBackup implements the §4.6 phase sequence.
func (s *CloudBlockStorageStrategy) RunBackup(ctx context.Context, b *model.Backup, deps model.StrategyDeps) error {
	if err := ensureNameAndDescription(ctx, b, s.Shared, deps); err != nil {
		return err
	}

	connector, err := b.Source.GetConnector(ctx, b.TryCount, b.SourceStats, s.memberPreferences())
	if err != nil {
		return err
	}

	cbs, hasCBS := b.Source.GetBlockStorageByAddress(connector.Address())
	if !hasCBS {
		return mbserrors.New(mbserrors.KindConfiguration, "runBackup", "no cloud block storage configured for "+connector.Address())
	}

	needsKickoff := !b.Events.Has(evEndKickoffSnapshot)
	if b.TargetReference != nil && b.TargetReference.Path == string(model.SnapshotError) {
		needsKickoff = true
	}

	if needsKickoff {
		if err := s.kickoff(ctx, b, deps, connector, cbs); err != nil {
			return err
		}
	}

	b.LogEvent(evStartBlockStorageSnapshot+"_WAIT", model.EventInfo, "waiting for snapshot to reach a terminal state", nil)
	final, err := s.waitForTerminal(ctx, b, deps, cbs)
	if err != nil {
		return err
	}

	b.LogEvent(evEndBlockStorageSnapshot, model.EventInfo, "snapshot reached terminal state "+string(final.Status), nil)
	return deps.Store.UpdateBackup(ctx, b, model.TaskUpdate{Event: lastEvent(b, evEndBlockStorageSnapshot)})
}

// kickoff runs the quiescence sequence and creates the snapshot. It always
// starts from a clean slate: any stale targetReference snapshot is deleted
// first (§4.6).
func (s *CloudBlockStorageStrategy) kickoff(ctx context.Context, b *model.Backup, deps model.StrategyDeps, connector model.Connector, cbs model.CloudBlockStorage) error {
	b.LogEvent(evStartKickoffSnapshot, model.EventInfo, "kicking off snapshot on "+connector.Info(), nil)

	if err := s.ensureUnlockedAndResumed(ctx, b, connector, cbs); err != nil {
		return err
	}

	if err := s.deleteStaleReference(ctx, b, cbs); err != nil {
		return err
	}

	useFsynclock := boolOr(s.UseFsynclock, true)
	useSuspendIO := boolOr(s.UseSuspendIO, true) && useFsynclock

	online, err := connector.IsOnline(ctx)
	if err != nil {
		return err
	}
	if s.BackupMode == model.ModeOffline || !online {
		useFsynclock, useSuspendIO = false, false
		b.LogEvent(evNotLocked, model.EventWarning, "source is offline or backup mode is OFFLINE; skipping lock/suspend", nil)
	}

	var cleanup quiescence.CleanupState
	var sharded model.ShardedClusterConnector
	if shardedConn, ok := connector.(model.ShardedClusterConnector); ok {
		sharded = shardedConn
		if err := s.Coordinator.StopBalancer(ctx, b, shardedConn); err != nil {
			return err
		}
		cleanup.BalancerStopped = true
	}

	if useFsynclock {
		if err := s.Coordinator.FsyncLock(ctx, b, connector); err != nil {
			_ = s.Coordinator.Cleanup(ctx, b, connector, cbs, &b.Task, sharded, cleanup)
			return err
		}
		cleanup.FsyncLocked = true
	}
	if useSuspendIO {
		if err := s.Coordinator.SuspendIO(ctx, b, connector, cbs, &b.Task, s.EnsureLocalhost); err != nil {
			_ = s.Coordinator.Cleanup(ctx, b, connector, cbs, &b.Task, sharded, cleanup)
			return err
		}
		cleanup.IOSuspended = true
	}

	ref, createErr := s.createSnapshot(ctx, b, cbs)
	if createErr == nil {
		ref, createErr = s.waitForPendingStatus(ctx, cbs, ref)
	}

	cleanupErr := s.Coordinator.Cleanup(ctx, b, connector, cbs, &b.Task, sharded, cleanup)

	if sharded != nil && sharded.BalancerActiveDuringMonitor() {
		return mbserrors.New(mbserrors.KindBalancerActive, "kickoffSnapshot", "balancer was active during the critical section; snapshot is untrustworthy")
	}

	if createErr != nil {
		return createErr
	}
	if cleanupErr != nil {
		s.logger().Warn("cleanup after snapshot creation reported errors", "error", cleanupErr)
	}

	// targetReference is the same generic field a dump strategy uses for its
	// uploaded-archive ref; for a snapshot strategy it instead tracks the
	// cloud snapshot, with Path carrying the current status string so a
	// resumed task can tell ERROR apart from in-progress.
	b.TargetReference = &model.TargetRef{ID: ref.ID, Path: string(ref.Status)}
	b.LogEvent(evEndKickoffSnapshot, model.EventInfo, "kickoff complete", nil)
	return deps.Store.UpdateBackup(ctx, b, model.TaskUpdate{
		Event:           lastEvent(b, evEndKickoffSnapshot),
		TargetReference: b.TargetReference,
	})
}

// ensureUnlockedAndResumed implements the correct (backup, connector, cbs)
// argument order for the resume-before-kickoff check: if the last SUSPEND_IO
// is more recent than the last RESUME_IO, resume; same for FSYNCLOCK vs
// FSYNCUNLOCK (§4.6, §9 open question — the source's call-site argument
// order is a latent bug, fixed here).
func (s *CloudBlockStorageStrategy) ensureUnlockedAndResumed(ctx context.Context, b *model.Backup, connector model.Connector, cbs model.CloudBlockStorage) error {
	if b.Events.IsAfter("SUSPEND_IO", "RESUME_IO") {
		if err := s.Coordinator.ResumeIO(ctx, b, connector, cbs, &b.Task); err != nil {
			s.logger().Warn("ensureUnlockedAndResumed: resumeIO failed", "error", err)
		}
	}
	if b.Events.IsAfter("FSYNCLOCK", "FSYNCUNLOCK") {
		if err := s.Coordinator.FsyncUnlock(ctx, b, connector); err != nil {
			s.logger().Warn("ensureUnlockedAndResumed: fsyncUnlock failed", "error", err)
		}
	}
	return nil
}

func (s *CloudBlockStorageStrategy) deleteStaleReference(ctx context.Context, b *model.Backup, cbs model.CloudBlockStorage) error {
	if b.TargetReference == nil {
		return nil
	}
	if err := cbs.DeleteSnapshot(ctx, &model.SnapshotRef{ID: b.TargetReference.ID}); err != nil {
		s.logger().Warn("failed to delete stale snapshot reference", "error", err)
	}
	return nil
}

// createSnapshot dispatches a simple or composite (fan-out) snapshot and
// stamps sourceWasLocked from the event log (§4.6).
func (s *CloudBlockStorageStrategy) createSnapshot(ctx context.Context, b *model.Backup, cbs model.CloudBlockStorage) (*model.SnapshotRef, error) {
	b.LogEvent(evStartCreateSnapshot, model.EventInfo, "creating snapshot on "+cbs.MountPoint(), nil)

	ref, err := cbs.CreateSnapshot(ctx, b.Name, b.Description)
	if err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "createSnapshot", "snapshot creation failed", err)
	}
	ref.SourceWasLocked = b.Events.Has("FSYNCLOCK_END")

	if err := s.shareIfConfigured(ctx, cbs, ref); err != nil {
		return nil, err
	}

	b.LogEvent(evEndCreateSnapshot, model.EventInfo, "snapshot created", map[string]any{"snapshotId": ref.ID, "status": string(ref.Status)})
	return ref, nil
}

// shareIfConfigured implements the EBS specialization: once a snapshot
// reaches PENDING/COMPLETED, share every constituent of a (possibly
// composite) ref with the configured users/groups, retried up to 5 attempts
// at 5s (§4.6).
func (s *CloudBlockStorageStrategy) shareIfConfigured(ctx context.Context, cbs model.CloudBlockStorage, ref *model.SnapshotRef) error {
	if len(s.ShareUsers) == 0 && len(s.ShareGroups) == 0 {
		return nil
	}
	sharer, ok := cbs.(model.SnapshotSharer)
	if !ok {
		return nil
	}
	if ref.Status != model.SnapshotPending && ref.Status != model.SnapshotCompleted {
		return nil
	}

	refs := []*model.SnapshotRef{ref}
	if ref.IsComposite() {
		refs = ref.Constituents
	}

	for _, r := range refs {
		r := r
		err := mbserrors.Robustify(ctx, mbserrors.ShareRetry, "shareSnapshot", s.logger(), nil, func(ctx context.Context) error {
			return sharer.ShareSnapshot(ctx, r, s.ShareUsers, s.ShareGroups)
		})
		if err != nil {
			return mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "shareSnapshot", "sharing snapshot failed", err)
		}
	}
	return nil
}

// waitForPendingStatus blocks the critical section open until the snapshot
// request is durably registered as PENDING (or reaches a terminal status
// outright). The ordering guarantee is createSnapshot -> waitForPending ->
// resumeIO -> fsyncunlock -> resumeBalancer: releasing the source before the
// cloud side has acknowledged the request risks a snapshot racing a write
// that was never actually quiesced (§4.6).
func (s *CloudBlockStorageStrategy) waitForPendingStatus(ctx context.Context, cbs model.CloudBlockStorage, ref *model.SnapshotRef) (*model.SnapshotRef, error) {
	current := ref
	for current.Status != model.SnapshotPending && !model.TerminalSnapshotStatuses[current.Status] {
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-time.After(s.pendingInterval()):
		}

		updated, err := cbs.CheckSnapshotUpdates(ctx, current)
		if err != nil {
			return current, mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "waitForPendingStatus", "polling snapshot status failed", err)
		}
		current = updated
	}
	return current, nil
}

func (s *CloudBlockStorageStrategy) pendingInterval() time.Duration {
	if s.PendingPollInterval > 0 {
		return s.PendingPollInterval
	}
	return pendingPollInterval
}

func (s *CloudBlockStorageStrategy) terminalInterval() time.Duration {
	if s.TerminalPollInterval > 0 {
		return s.TerminalPollInterval
	}
	return terminalPollInterval
}

// waitForTerminal polls checkSnapshotUpdates every pendingPollInterval until
// PENDING clears, then every terminalPollInterval until a terminal status is
// reached (§4.6).
func (s *CloudBlockStorageStrategy) waitForTerminal(ctx context.Context, b *model.Backup, deps model.StrategyDeps, cbs model.CloudBlockStorage) (*model.SnapshotRef, error) {
	current := &model.SnapshotRef{ID: b.TargetReference.ID, Status: model.SnapshotPending}

	for {
		updated, err := cbs.CheckSnapshotUpdates(ctx, current)
		if err != nil {
			return nil, mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "checkSnapshotUpdates", "polling snapshot status failed", err)
		}
		if diff := model.Diff(current, updated); len(diff) > 0 {
			s.logger().Debug("snapshot status changed", "diff", diff)
			current = updated
			b.TargetReference = &model.TargetRef{ID: updated.ID, Path: string(updated.Status)}
			if err := deps.Store.UpdateBackup(ctx, b, model.TaskUpdate{TargetReference: b.TargetReference}); err != nil {
				return nil, err
			}
		} else {
			current = updated
		}

		if model.TerminalSnapshotStatuses[current.Status] {
			break
		}

		interval := s.terminalInterval()
		if current.Status == model.SnapshotPending {
			interval = s.pendingInterval()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	if current.Status == model.SnapshotError {
		return current, mbserrors.New(mbserrors.KindBlockStorageSnapshot, "waitForSnapshotStatus", "snapshot did not succeed")
	}
	return current, nil
}

// RunRestore is unsupported: cloud-block restore raises a terminal error
// per §4.6.
func (s *CloudBlockStorageStrategy) RunRestore(ctx context.Context, r *model.Restore, deps model.StrategyDeps) error {
	return mbserrors.New(mbserrors.KindRestore, "runRestore", "restoring directly from a cloud block-storage snapshot is not supported")
}
