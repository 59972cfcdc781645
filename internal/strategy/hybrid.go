package strategy

import (
	"context"
	"log/slog"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

const evSelectedStrategyType = "SELECTED_STRATEGY_TYPE"

// defaultDumpMaxDataSizeMB is the predicate's size boundary, 50 GiB
// expressed in megabytes (§4.7).
const defaultDumpMaxDataSizeMB = 50 * 1024

// Predicate decides between a DumpStrategy and a CloudBlockStorageStrategy
// for a Hybrid strategy's first run.
type Predicate interface {
	// ChooseStrategy returns "DumpStrategy" or "CloudBlockStorageStrategy".
	ChooseStrategy(ctx context.Context, b *model.Backup, connector model.Connector, logger *slog.Logger) (string, error)
}

// DataSizePredicate picks dump below DumpMaxDataSizeMB, falling back to dump
// (with a warning) if snapshot would be preferred but no block storage is
// configured for the selected member (§4.7).
type DataSizePredicate struct {
	DumpMaxDataSizeMB float64
}

func (p DataSizePredicate) maxDataSizeMB() float64 {
	if p.DumpMaxDataSizeMB > 0 {
		return p.DumpMaxDataSizeMB
	}
	return defaultDumpMaxDataSizeMB
}

func (p DataSizePredicate) ChooseStrategy(ctx context.Context, b *model.Backup, connector model.Connector, logger *slog.Logger) (string, error) {
	onlyForDB, _ := b.Source.DatabaseName()
	stats, err := connector.GetStats(ctx, onlyForDB)
	if err != nil {
		return "", err
	}
	b.SourceStats = stats

	dataSizeMB := (&model.Backup{SourceStats: stats}).SourceDataSizeMB()

	if dataSizeMB < p.maxDataSizeMB() {
		return "DumpStrategy", nil
	}

	if _, hasCBS := b.Source.GetBlockStorageByAddress(connector.Address()); !hasCBS {
		logger.Warn("data size exceeds dump threshold but no cloud block storage is configured; falling back to dump",
			"dataSizeMB", dataSizeMB, "maxDataSizeMB", p.maxDataSizeMB(), "address", connector.Address())
		return "DumpStrategy", nil
	}

	return "CloudBlockStorageStrategy", nil
}

// HybridStrategy wraps one DumpStrategy and one CloudBlockStorageStrategy
// and picks between them on first run via Predicate, persisting the choice
// as selectedStrategyType (§4.7).
type HybridStrategy struct {
	Shared

	Dump     *DumpStrategy
	Snapshot *CloudBlockStorageStrategy
	Predicate Predicate

	selected model.BackupStrategy

	Logger *slog.Logger
}

func (s *HybridStrategy) Type() string { return "HybridStrategy" }

func (s *HybridStrategy) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// NeedsNewMemberSelection/NeedsNewSourceStats return true only if both
// children report true (§4.7).
func (s *HybridStrategy) NeedsNewMemberSelection(b *model.Backup) bool {
	return s.Dump.NeedsNewMemberSelection(b) && s.Snapshot.NeedsNewMemberSelection(b)
}

func (s *HybridStrategy) NeedsNewSourceStats(b *model.Backup) bool {
	return s.Dump.NeedsNewSourceStats(b) && s.Snapshot.NeedsNewSourceStats(b)
}

// RunBackup selects a child strategy (persisting the choice on first run),
// propagates shared settings to it, and delegates.
func (s *HybridStrategy) RunBackup(ctx context.Context, b *model.Backup, deps model.StrategyDeps) error {
	child, err := s.resolveChild(ctx, b, deps)
	if err != nil {
		return err
	}
	return child.RunBackup(ctx, b, deps)
}

// resolveChild implements the selection-and-persistence half of §4.7.
func (s *HybridStrategy) resolveChild(ctx context.Context, b *model.Backup, deps model.StrategyDeps) (model.BackupStrategy, error) {
	if event, ok := b.Events.Last(evSelectedStrategyType); ok {
		return s.childByType(event.Message)
	}

	var chosen string

	online, err := func() (bool, error) {
		connector, err := b.Source.GetConnector(ctx, b.TryCount, b.SourceStats, s.memberPreferences())
		if err != nil {
			return false, err
		}
		return connector.IsOnline(ctx)
	}()
	if err != nil {
		return nil, err
	}

	if s.BackupMode == model.ModeOffline || (s.AllowOfflineBackups && !online) {
		chosen = "CloudBlockStorageStrategy"
	} else {
		connector, err := b.Source.GetConnector(ctx, b.TryCount, b.SourceStats, s.memberPreferences())
		if err != nil {
			return nil, err
		}
		chosen, err = s.Predicate.ChooseStrategy(ctx, b, connector, s.logger())
		if err != nil {
			return nil, err
		}
	}

	s.propagateShared(s.childByTypeMust(chosen))

	b.LogEvent(evSelectedStrategyType, model.EventInfo, chosen, nil)
	b.Strategy = s
	if err := deps.Store.UpdateBackup(ctx, b, model.TaskUpdate{
		Event:    lastEvent(b, evSelectedStrategyType),
		Strategy: s,
	}); err != nil {
		return nil, err
	}

	return s.childByTypeMust(chosen), nil
}

func (s *HybridStrategy) childByType(t string) (model.BackupStrategy, error) {
	switch t {
	case "DumpStrategy":
		s.propagateShared(s.Dump)
		return s.Dump, nil
	case "CloudBlockStorageStrategy":
		s.propagateShared(s.Snapshot)
		return s.Snapshot, nil
	default:
		return nil, mbserrors.New(mbserrors.KindInvalidPlan, "resolveChild", "unknown persisted selectedStrategyType "+t)
	}
}

func (s *HybridStrategy) childByTypeMust(t string) model.BackupStrategy {
	child, _ := s.childByType(t)
	return child
}

// propagateShared pushes the Hybrid's settings down to a child, following
// only-if-set semantics for useFsynclock/useSuspendIO (§4.7).
func (s *HybridStrategy) propagateShared(child model.BackupStrategy) {
	switch c := child.(type) {
	case *DumpStrategy:
		c.Shared = s.mergeInto(c.Shared)
	case *CloudBlockStorageStrategy:
		c.Shared = s.mergeInto(c.Shared)
	}
}

func (s *HybridStrategy) mergeInto(childShared Shared) Shared {
	merged := childShared
	merged.MemberPreference = s.MemberPreference
	merged.MaxLagSeconds = s.MaxLagSeconds
	merged.BackupMode = s.BackupMode
	merged.EnsureLocalhost = s.EnsureLocalhost
	merged.MaxDataSizeMB = s.MaxDataSizeMB
	merged.AllowOfflineBackups = s.AllowOfflineBackups
	if s.UseSuspendIO != nil {
		merged.UseSuspendIO = s.UseSuspendIO
	}
	if s.UseFsynclock != nil {
		merged.UseFsynclock = s.UseFsynclock
	}
	if merged.BackupNameScheme == "" {
		merged.BackupNameScheme = s.BackupNameScheme
	}
	if merged.BackupDescriptionScheme == "" {
		merged.BackupDescriptionScheme = s.BackupDescriptionScheme
	}
	if merged.Assistant == nil {
		merged.Assistant = s.Assistant
	}
	return merged
}

// RunRestore routes by whether the source backup completed an extraction:
// if END_EXTRACT is present, restore via the dump path; otherwise via the
// (unsupported) snapshot path (§4.7).
func (s *HybridStrategy) RunRestore(ctx context.Context, r *model.Restore, deps model.StrategyDeps) error {
	if r.SourceBackup != nil && r.SourceBackup.Events.Has(evEndExtract) {
		return restoreFromDump(ctx, r, deps)
	}
	return s.Snapshot.RunRestore(ctx, r, deps)
}
