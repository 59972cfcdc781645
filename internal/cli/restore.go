package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthrax3/mongodb-backup-system/internal/engine"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
	"github.com/anthrax3/mongodb-backup-system/internal/strategy"
)

var (
	restoreArchivePath string
	restoreDestURI     string
	restoreSourceDB    string
)

var restoreCommand = &cobra.Command{
	Use:     "restore",
	Short:   "Restore a backup archive into a destination",
	GroupID: "mbs",
	Long:    "Copies a backup archive from a local path or file:// URL (--archive), extracts it, and runs mongorestore against --dest-uri.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(logLevel, "restore")

		_, tgt, deps := buildDeps(logger)

		r := &model.Restore{
			Task: model.Task{ID: newTaskID(), StartDate: time.Now()},
			SourceBackup: &model.Backup{
				Target:          tgt,
				TargetReference: &model.TargetRef{ID: restoreArchivePath, Path: restoreArchivePath},
				SourceStats:     map[string]any{},
			},
			Destination:        restoreDestURI,
			SourceDatabaseName: restoreSourceDB,
		}

		result := engine.RunRestore(context.Background(), r, &strategy.DumpStrategy{}, deps, time.Duration(timeout)*time.Second, logger)
		if result.Err != nil {
			if result.Reschedulable {
				return fmt.Errorf("restore failed but is reschedulable (try %d): %w", r.TryCount+1, result.Err)
			}
			return fmt.Errorf("restore failed: %w", result.Err)
		}

		fmt.Printf("restore %s complete into %s\n", r.ID, r.Destination)
		return nil
	},
}

func init() {
	rootCommand.AddCommand(restoreCommand)
	restoreCommand.Flags().StringVar(&restoreArchivePath, "archive", "", "local path or file:// URL of the backup archive (required)")
	restoreCommand.Flags().StringVar(&restoreDestURI, "dest-uri", "", "MongoDB URI to restore into (required)")
	restoreCommand.Flags().StringVar(&restoreSourceDB, "source-database", "", "database name to restore, if the archive is single-database")
	restoreCommand.MarkFlagRequired("archive")
	restoreCommand.MarkFlagRequired("dest-uri")
}
