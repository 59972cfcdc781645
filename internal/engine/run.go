// Package engine drives one Backup or Restore task to completion: it owns
// the retry-or-fail decision a strategy's RunBackup/RunRestore leaves to its
// caller (MaxNoRetries, the retriable-error classifier) and reports the
// outcome through a Notifier.
//
// Responsibilities:
//  1. Context: applies a run-wide timeout, if configured.
//  2. Execution: invokes the task's BackupStrategy/RunBackup or RunRestore.
//  3. Classification: on error, decides whether the task is reschedulable
//     (tryCount under the limit and the failure was transient) or terminal.
//  4. Reporting: posts a success or failure notification through deps.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
	"github.com/google/uuid"
)

// Result reports how a task run ended.
type Result struct {
	RunID         string
	Reschedulable bool
	Err           error
}

// RunBackup executes one attempt of b's strategy and classifies the outcome.
// timeout <= 0 means no deadline beyond ctx's own.
func RunBackup(ctx context.Context, b *model.Backup, deps model.StrategyDeps, timeout time.Duration, logger *slog.Logger) Result {
	runID := fmt.Sprintf("bk-%s", uuid.New().String())
	logger = logger.With("run_id", runID, "backup_id", b.ID)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("starting backup run", "try_count", b.TryCount, "strategy", b.Strategy.Type())
	err := b.Strategy.RunBackup(ctx, b, deps)
	res := classify(ctx, &b.Task, err, deps.Notifier, logger, "backup "+b.Name)
	res.RunID = runID
	return res
}

// RunRestore executes one attempt of r's strategy and classifies the outcome.
func RunRestore(ctx context.Context, r *model.Restore, strategy model.BackupStrategy, deps model.StrategyDeps, timeout time.Duration, logger *slog.Logger) Result {
	runID := fmt.Sprintf("rs-%s", uuid.New().String())
	logger = logger.With("run_id", runID, "restore_id", r.ID)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("starting restore run", "try_count", r.TryCount)
	err := strategy.RunRestore(ctx, r, deps)
	res := classify(ctx, &r.Task, err, deps.Notifier, logger, "restore into "+r.Destination)
	res.RunID = runID
	return res
}

func classify(ctx context.Context, t *model.Task, err error, notifier model.Notifier, logger *slog.Logger, subject string) Result {
	if err == nil {
		logger.Info("run succeeded")
		if notifier != nil {
			if notifyErr := notifier.SendEventNotification(subject+" succeeded", "completed without error", model.PriorityInfo); notifyErr != nil {
				logger.Warn("failed to send success notification", "error", notifyErr)
			}
		}
		return Result{Reschedulable: false, Err: nil}
	}

	retriable := mbserrors.IsRetriable(err)
	reschedulable := model.IsReschedulable(t.TryCount, retriable)

	logger.Error("run failed", "error", err, "retriable", retriable, "reschedulable", reschedulable)
	if notifier != nil {
		priority := model.PriorityCritical
		if reschedulable {
			priority = model.PriorityWarning
		}
		if notifyErr := notifier.SendErrorNotification(subject+" failed", fmt.Sprintf("reschedulable=%v", reschedulable), err); notifyErr != nil {
			logger.Warn("failed to send failure notification", "error", notifyErr, "original_priority", priority)
		}
	}

	return Result{Reschedulable: reschedulable, Err: err}
}
