package strategy

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// restoreFromDump implements the restore executor (C9, §4.8): download the
// source backup's archive, extract it, assemble mongorestore options, and
// run the restore.
func restoreFromDump(ctx context.Context, r *model.Restore, deps model.StrategyDeps) error {
	logger := slog.Default().With("restore_id", r.ID)

	if r.SourceBackup == nil || r.SourceBackup.TargetReference == nil {
		return mbserrors.New(mbserrors.KindInvalidPlan, "runRestore", "restore has no source backup archive to restore from")
	}

	workspace, err := deps.Assistant.CreateTaskWorkspace(ctx, &r.Task)
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindWorkspaceCreation, "createTaskWorkspace", "failed to create workspace", err)
	}

	var archivePath string
	if !r.Events.Has(evEndDownloadBackup) {
		r.LogEvent(evStartDownloadBackup, model.EventInfo, "downloading "+r.SourceBackup.TargetReference.String(), nil)
		archivePath, err = deps.Assistant.DownloadRestoreSourceBackup(ctx, r, r.SourceBackup.Target, *r.SourceBackup.TargetReference, workspace)
		if err != nil {
			return mbserrors.Wrap(mbserrors.KindTargetConnection, "downloadRestoreSourceBackup", "downloading source archive failed", err)
		}
		r.LogEvent(evEndDownloadBackup, model.EventInfo, "download complete", map[string]any{"path": archivePath})
		if err := deps.Store.UpdateRestore(ctx, r, model.TaskUpdate{Event: lastRestoreEvent(r, evEndDownloadBackup)}); err != nil {
			return err
		}
	} else {
		archivePath = path.Join(workspace, path.Base(r.SourceBackup.TargetReference.Path))
	}

	var dumpDir string
	if !r.Events.Has(evEndExtractRestore) {
		r.LogEvent(evStartExtractRestore, model.EventInfo, "extracting "+archivePath, nil)
		dumpDir, err = deps.Assistant.ExtractRestoreSourceBackup(ctx, r, archivePath, workspace)
		if err != nil {
			return mbserrors.Wrap(mbserrors.KindExtract, "extractRestoreSourceBackup", "extracting source archive failed", err)
		}
		r.LogEvent(evEndExtractRestore, model.EventInfo, "extraction complete", map[string]any{"path": dumpDir})
		if err := deps.Store.UpdateRestore(ctx, r, model.TaskUpdate{Event: lastRestoreEvent(r, evEndExtractRestore)}); err != nil {
			return err
		}
	} else {
		dumpDir = path.Join(workspace, "dump")
	}

	if r.Events.Has(evEndRestoreDump) {
		return nil
	}

	return runRestore(ctx, logger, r, deps, dumpDir)
}

func lastRestoreEvent(r *model.Restore, name string) *model.Event {
	e, ok := r.Events.Last(name)
	if !ok {
		return nil
	}
	return &e
}

func runRestore(ctx context.Context, logger *slog.Logger, r *model.Restore, deps model.StrategyDeps, dumpDir string) error {
	srcDB := sourceDatabaseName(r)

	destURI := resolveDestinationURI(r, srcDB)
	destConnector, err := deps.Connectors.Build(ctx, destURI, strings.Contains(destURI, "@"))
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindConnection, "resolveDestination", "connecting to restore destination failed", err)
	}

	destVersion, err := destConnector.GetMongoVersion(ctx)
	if err != nil {
		return err
	}
	_, destHasAdminCreds := destConnector.GetAuthAdminDB()
	_, destIsSharded := destConnector.(model.ShardedClusterConnector)

	opts := restoreOptions(r, destVersion, destHasAdminCreds, destIsSharded, srcDB != "")

	if versionAtLeast(destVersion, "2.6.0") {
		if err := grantRestoreRole(ctx, destConnector); err != nil {
			logger.Warn("failed to grant restore role ahead of restore", "error", err)
		}
	}

	deleteOldAdminUsersFile, deleteOldUsersFile := cleanupFlags(r, destVersion)

	logFile := path.Join(dumpDir, "..", "RESTORE_"+r.SourceBackup.Name+".log")
	var srcLogFile string
	if r.SourceBackup.LogTargetReference != nil {
		srcLogFile = r.SourceBackup.LogTargetReference.Path
	}

	r.LogEvent(evStartRestoreDump, model.EventInfo, "restoring into "+destConnector.Info(), nil)
	if err := deps.Assistant.RunMongoRestore(ctx, r, destURI, dumpDir, srcDB, logFile, srcLogFile, deleteOldAdminUsersFile, deleteOldUsersFile, opts); err != nil {
		return mbserrors.New(mbserrors.KindRestore, "runMongoRestore", "mongorestore failed")
	}
	r.LogEvent(evEndRestoreDump, model.EventInfo, "restore complete", nil)
	if err := deps.Store.UpdateRestore(ctx, r, model.TaskUpdate{Event: lastRestoreEvent(r, evEndRestoreDump)}); err != nil {
		return err
	}

	stats, err := destConnector.GetStats(ctx, srcDB)
	if err != nil {
		logger.Warn("failed to collect destination stats after restore", "error", err)
		return nil
	}
	r.DestinationStats = stats
	return deps.Store.UpdateRestore(ctx, r, model.TaskUpdate{DestinationStats: stats})
}

// sourceDatabaseName implements the precedence rule of §4.8: explicit
// override > source's databaseName > sourceStats.databaseName.
func sourceDatabaseName(r *model.Restore) string {
	if r.SourceDatabaseName != "" {
		return r.SourceDatabaseName
	}
	if r.SourceBackup != nil {
		if r.SourceBackup.Source != nil {
			if dbName, ok := r.SourceBackup.Source.DatabaseName(); ok {
				return dbName
			}
		}
		if r.SourceBackup.SourceStats != nil {
			if v, ok := r.SourceBackup.SourceStats["databaseName"].(string); ok {
				return v
			}
		}
	}
	return ""
}

// resolveDestinationURI appends the source database (if applicable) to the
// configured destination URI, so a database-scoped restore connects already
// scoped to the right database.
func resolveDestinationURI(r *model.Restore, srcDB string) string {
	uri := r.Destination
	if srcDB != "" && !strings.Contains(uri, srcDB) {
		uri = appendDatabaseToURI(uri, srcDB)
	}
	return uri
}

func restoreOptions(r *model.Restore, destVersion string, destHasAdminCreds, destIsSharded, hasSourceDB bool) model.RestoreOptions {
	var opts model.RestoreOptions

	if !hasSourceDB && r.SourceBackup != nil && r.SourceBackup.SourceStats != nil {
		if _, hasRepl := r.SourceBackup.SourceStats["repl"]; hasRepl {
			opts.OplogReplay = true
		}
	}

	if versionAtLeast(destVersion, "2.4.0") && destHasAdminCreds && !destIsSharded {
		opts.AuthenticationDatabaseAdmin = true
	}

	if hasSourceDB && versionAtLeast(destVersion, "2.6.0") {
		opts.RestoreDbUsersAndRoles = true
	}

	return opts
}

// cleanupFlags implements the system-user file cleanup matrix of §4.8.
func cleanupFlags(r *model.Restore, destVersion string) (deleteOldAdminUsersFile, deleteOldUsersFile bool) {
	sourceVersion := ""
	if r.SourceBackup != nil && r.SourceBackup.SourceStats != nil {
		if v, ok := r.SourceBackup.SourceStats["version"].(string); ok {
			sourceVersion = v
		}
	}

	sourceBelow26 := sourceVersion != "" && !versionAtLeast(sourceVersion, "2.6.0")
	destAtLeast26 := versionAtLeast(destVersion, "2.6.0")

	deleteOldAdminUsersFile = sourceBelow26 && destAtLeast26
	deleteOldUsersFile = deleteOldAdminUsersFile || (!sourceBelow26 && sourceVersion != "" && destAtLeast26)
	return
}

func grantRestoreRole(ctx context.Context, c model.Connector) error {
	granter, ok := c.(interface {
		GrantRestoreRole(ctx context.Context) error
	})
	if !ok {
		return nil
	}
	return granter.GrantRestoreRole(ctx)
}
