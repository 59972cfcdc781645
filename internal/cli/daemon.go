package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron-ui/server"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/anthrax3/mongodb-backup-system/internal/engine"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

var (
	backupSchedule string
	bindAddress    string
)

var daemonCommand = &cobra.Command{
	Use:     "daemon",
	Short:   "Run mbs in daemon mode",
	GroupID: "mbs",
	Long:    `Starts mbs as a background service that runs a backup on a cron schedule and exposes a dashboard over the scheduler's job history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		banner := fmt.Sprintf("mbs - Daemon Mode\n\nVersion: %s\nBuild Date: %s", MBSVersion, MBSDate)
		fmt.Println(headerStyle.Render(banner))

		dlog := setupLogger(logLevel, "daemon")

		s, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		s.Start()
		dlog.Info("scheduler started")

		var backupJob gocron.Job
		backupJob, jobErr := s.NewJob(
			gocron.CronJob(backupSchedule, false),
			gocron.NewTask(func() {
				runScheduledBackup(dlog)
				if backupJob != nil {
					if nextRun, err := backupJob.NextRun(); err == nil {
						dlog.Info("backup job completed", "next_run", nextRun.Format(time.RFC3339), "job_id", backupJob.ID())
					}
				}
			}),
			gocron.WithName("Backup"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if jobErr != nil {
			return jobErr
		}

		if nextRun, err := backupJob.NextRun(); err == nil {
			dlog.Info("job scheduled", "job_name", backupJob.Name(), "schedule", backupSchedule, "next_run", nextRun.Format(time.RFC3339))
		}

		srv := server.NewServer(s, 8080, server.WithTitle("mbs - Dashboard"))
		go func() {
			dlog.Info("dashboard server started", "address", bindAddress)
			if err := http.ListenAndServe(bindAddress, srv.Router); err != nil {
				dlog.Error("dashboard server failed", "error", err)
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		dlog.Warn("shutting down scheduler due to system signal")
		return s.Shutdown()
	},
}

// runScheduledBackup runs one attempt of the configured backup and logs the
// outcome; the daemon stays up regardless of the result, relying on the
// notifier to surface failures.
func runScheduledBackup(logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	backupLogger := setupLogger(logLevel, "backup")
	source, tgt, deps := buildDeps(backupLogger)

	b := &model.Backup{
		Task:     model.Task{ID: newTaskID(), StartDate: time.Now()},
		Source:   source,
		Target:   tgt,
		Strategy: dumpStrategy(deps),
	}

	result := engine.RunBackup(context.Background(), b, deps, time.Duration(timeout)*time.Second, backupLogger)
	if result.Err != nil {
		logger.Error("scheduled backup failed", "error", result.Err, "reschedulable", result.Reschedulable)
		return
	}
	logger.Info("scheduled backup succeeded", "backup_id", b.ID)
}

func init() {
	rootCommand.AddCommand(daemonCommand)
	daemonCommand.Flags().StringVar(&backupSchedule, "schedule", "0 */6 * * *", "cron schedule for the backup job")
	daemonCommand.Flags().StringVar(&bindAddress, "bind-address", "0.0.0.0:8080", "address to bind the dashboard server")
}
