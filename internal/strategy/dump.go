package strategy

import (
	"context"
	"log/slog"
	"math"
	"path"
	"strings"
	"time"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// DumpStrategy runs mongodump against a selected member, archives the
// resulting directory, and uploads it to the backup's targets (§4.5).
type DumpStrategy struct {
	Shared

	ForceTableScan bool
	// DumpUsers, when non-nil and false, suppresses --dumpDbUsersAndRoles
	// even when the version/scope gate would otherwise add it.
	DumpUsers *bool

	Logger *slog.Logger
}

func (s *DumpStrategy) Type() string { return "DumpStrategy" }

// NeedsNewMemberSelection/NeedsNewSourceStats: a resumed dump task that has
// already completed extraction reuses its prior connector and stats (§4.5).
func (s *DumpStrategy) NeedsNewMemberSelection(b *model.Backup) bool {
	return !b.Events.Has(evEndExtract)
}

func (s *DumpStrategy) NeedsNewSourceStats(b *model.Backup) bool {
	return !b.Events.Has(evEndExtract)
}

func (s *DumpStrategy) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RunBackup implements the full phase sequence of §4.5.
func (s *DumpStrategy) RunBackup(ctx context.Context, b *model.Backup, deps model.StrategyDeps) error {
	logger := s.logger().With("backup_id", b.ID)

	if err := ensureNameAndDescription(ctx, b, s.Shared, deps); err != nil {
		return err
	}

	workspace, err := deps.Assistant.CreateTaskWorkspace(ctx, &b.Task)
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindWorkspaceCreation, "createTaskWorkspace", "failed to create workspace", err)
	}

	dumpDir := path.Join(workspace, "dump")
	logFile := path.Join(workspace, b.Name+".log")

	connector, err := b.Source.GetConnector(ctx, b.TryCount, b.SourceStats, s.memberPreferences())
	if err != nil {
		return err
	}

	if !b.Events.Has(evEndExtract) {
		if err := s.extract(ctx, logger, b, deps, connector, dumpDir, logFile); err != nil {
			return err
		}
	}

	archivePath := path.Join(workspace, b.Name+".tgz")
	if !b.Events.Has(evEndArchive) {
		b.LogEvent(evStartArchive, model.EventInfo, "archiving "+dumpDir, nil)
		if err := deps.Assistant.TarBackup(ctx, &b.Task, dumpDir, archivePath); err != nil {
			return mbserrors.Wrap(mbserrors.KindArchive, "tarBackup", "archiving dump directory failed", err)
		}
		b.LogEvent(evEndArchive, model.EventInfo, "archived to "+archivePath, nil)
		if err := deps.Store.UpdateBackup(ctx, b, model.TaskUpdate{Event: lastEvent(b, evEndArchive)}); err != nil {
			return err
		}
	}

	if !b.Events.Has(evEndUpload) {
		if err := s.upload(ctx, b, deps, archivePath); err != nil {
			return err
		}
	}

	return nil
}

// extract runs mongodump, always uploading the log file afterward — even on
// failure — and, on failure, also archives and uploads the partial dump
// directory under a FAILED_ prefix before re-raising (§4.5 step 3).
func (s *DumpStrategy) extract(ctx context.Context, logger *slog.Logger, b *model.Backup, deps model.StrategyDeps, connector model.Connector, dumpDir, logFile string) error {
	opts, uri, err := s.dumpOptions(ctx, b, connector)
	if err != nil {
		return err
	}

	b.LogEvent(evStartExtract, model.EventInfo, "dumping "+connector.Info(), nil)

	start := time.Now()
	dumpErr := mbserrors.Robustify(ctx, mbserrors.DumpRetry, "dumpBackup", logger, nil, func(ctx context.Context) error {
		return deps.Assistant.DumpBackup(ctx, &b.Task, uri, dumpDir, logFile, opts)
	})
	elapsed := time.Since(start)

	// Log file upload happens unconditionally, success or failure.
	if _, uploadErr := deps.Assistant.UploadBackupLogFile(ctx, &b.Task, logFile, dumpDir, b.Target, b.Name+".log"); uploadErr != nil {
		logger.Error("failed to upload dump log file", "error", uploadErr)
	}

	if dumpErr != nil {
		s.archiveFailedDump(ctx, logger, b, deps, dumpDir)
		return dumpErr
	}

	b.LogEvent(evEndExtract, model.EventInfo, "dump complete", map[string]any{"elapsedSeconds": elapsed.Seconds()})
	if err := deps.Store.UpdateBackup(ctx, b, model.TaskUpdate{Event: lastEvent(b, evEndExtract)}); err != nil {
		return err
	}

	rate := round2(b.SourceDataSizeMB() / math.Max(elapsed.Seconds(), 1))
	b.BackupRateInMBPS = rate
	return deps.Store.UpdateBackup(ctx, b, model.TaskUpdate{BackupRateInMBPS: &rate})
}

func (s *DumpStrategy) archiveFailedDump(ctx context.Context, logger *slog.Logger, b *model.Backup, deps model.StrategyDeps, dumpDir string) {
	failedArchive := path.Join(path.Dir(dumpDir), "FAILED_"+b.Name+".tgz")
	if err := deps.Assistant.TarBackup(ctx, &b.Task, dumpDir, failedArchive); err != nil {
		logger.Error("failed to archive failed dump directory", "error", err)
		return
	}
	if _, err := deps.Assistant.UploadBackup(ctx, &b.Task, failedArchive, append([]model.Target{b.Target}, b.SecondaryTargets...), "FAILED_"+b.Name+".tgz"); err != nil {
		logger.Error("failed to upload failed dump archive", "error", err)
	}
}

func (s *DumpStrategy) upload(ctx context.Context, b *model.Backup, deps model.StrategyDeps, archivePath string) error {
	staleRef := b.TargetReference

	b.LogEvent(evStartUpload, model.EventInfo, "uploading "+archivePath, nil)
	targets := append([]model.Target{b.Target}, b.SecondaryTargets...)
	refs, err := deps.Assistant.UploadBackup(ctx, &b.Task, archivePath, targets, b.Name+".tgz")
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindTargetUpload, "uploadBackup", "uploading archive failed", err)
	}
	if len(refs) == 0 {
		return mbserrors.New(mbserrors.KindTargetUpload, "uploadBackup", "uploadBackup returned no refs")
	}

	b.TargetReference = &refs[0]
	b.SecondaryTargetReferences = refs[1:]
	b.LogEvent(evEndUpload, model.EventInfo, "upload complete", nil)

	if err := deps.Store.UpdateBackup(ctx, b, model.TaskUpdate{
		Event:                     lastEvent(b, evEndUpload),
		TargetReference:           b.TargetReference,
		SecondaryTargetReferences: b.SecondaryTargetReferences,
	}); err != nil {
		return err
	}

	if staleRef != nil {
		if err := b.Target.DeleteFile(ctx, *staleRef); err != nil {
			s.logger().Warn("failed to delete stale target reference", "error", err)
		}
	}

	return nil
}

// dumpOptions assembles the mongodump flag set and final URI per §4.5 step 1.
func (s *DumpStrategy) dumpOptions(ctx context.Context, b *model.Backup, connector model.Connector) (model.DumpOptions, string, error) {
	var opts model.DumpOptions

	isConfigServer, err := connector.IsConfigServer(ctx)
	if err != nil {
		return opts, "", err
	}
	if isConfigServer {
		opts.Journal = true
	}

	dbName, hasDB := b.Source.DatabaseName()

	if !hasDB {
		opts.ForceTableScan = s.ForceTableScan
		isReplicaMember, err := connector.IsReplicaMember(ctx)
		if err != nil {
			return opts, "", err
		}
		opts.Oplog = isReplicaMember
	}

	version, err := connector.GetMongoVersion(ctx)
	if err != nil {
		return opts, "", err
	}

	_, hasAdminCreds := connector.GetAuthAdminDB()
	_, isSharded := connector.(model.ShardedClusterConnector)
	if versionAtLeast(version, "2.4.0") && hasAdminCreds && !isSharded {
		opts.AuthenticationDatabaseAdmin = true
	}

	if hasDB && versionAtLeast(version, "2.6.0") && boolOr(s.DumpUsers, true) {
		opts.DumpDbUsersAndRoles = true
	}

	uri := b.Source.URI()
	if hasDB && !strings.Contains(uri, dbName) {
		uri = appendDatabaseToURI(uri, dbName)
	}

	return opts, uri, nil
}

// appendDatabaseToURI appends /dbName to a mongodb:// URI that lacks a
// database segment, preserving any query string.
func appendDatabaseToURI(uri, dbName string) string {
	if q := strings.IndexByte(uri, '?'); q >= 0 {
		return uri[:q] + "/" + dbName + uri[q:]
	}
	return uri + "/" + dbName
}

func lastEvent(b *model.Backup, name string) *model.Event {
	e, ok := b.Events.Last(name)
	if !ok {
		return nil
	}
	return &e
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// RunRestore drives restoration from a dump-produced archive; a Hybrid
// routes here whenever its source backup completed an extraction (§4.7).
func (s *DumpStrategy) RunRestore(ctx context.Context, r *model.Restore, deps model.StrategyDeps) error {
	return restoreFromDump(ctx, r, deps)
}
