package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthrax3/mongodb-backup-system/internal/engine"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

var backupName string

var backupCommand = &cobra.Command{
	Use:     "backup",
	Short:   "Run a single backup",
	GroupID: "mbs",
	Long:    "Selects a member of the configured MongoDB deployment, takes a mongodump, and uploads it to the configured target.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(logLevel, "backup")

		source, tgt, deps := buildDeps(logger)

		b := &model.Backup{
			Task:     model.Task{ID: newTaskID(), StartDate: time.Now()},
			Source:   source,
			Target:   tgt,
			Name:     backupName,
			Strategy: dumpStrategy(deps),
		}

		result := engine.RunBackup(context.Background(), b, deps, time.Duration(timeout)*time.Second, logger)
		if result.Err != nil {
			if result.Reschedulable {
				return fmt.Errorf("backup failed but is reschedulable (try %d): %w", b.TryCount+1, result.Err)
			}
			return fmt.Errorf("backup failed: %w", result.Err)
		}

		fmt.Printf("backup %s complete: %s\n", b.ID, b.TargetReference)
		return nil
	},
}

func init() {
	rootCommand.AddCommand(backupCommand)
	backupCommand.Flags().StringVar(&backupName, "name", "", "backup name (default: generated from the naming scheme)")
}
