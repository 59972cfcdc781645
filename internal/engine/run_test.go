package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStrategy struct {
	backupErr  error
	restoreErr error
}

func (s *fakeStrategy) Type() string { return "FakeStrategy" }
func (s *fakeStrategy) RunBackup(ctx context.Context, b *model.Backup, deps model.StrategyDeps) error {
	return s.backupErr
}
func (s *fakeStrategy) RunRestore(ctx context.Context, r *model.Restore, deps model.StrategyDeps) error {
	return s.restoreErr
}
func (s *fakeStrategy) NeedsNewMemberSelection(b *model.Backup) bool { return true }
func (s *fakeStrategy) NeedsNewSourceStats(b *model.Backup) bool     { return true }

type recordingNotifier struct {
	events []string
	errs   []string
}

func (n *recordingNotifier) SendEventNotification(subject, message string, priority model.Priority) error {
	n.events = append(n.events, subject)
	return nil
}
func (n *recordingNotifier) SendErrorNotification(subject, message string, err error) error {
	n.errs = append(n.errs, subject)
	return nil
}

func TestRunBackup_Success(t *testing.T) {
	notifier := &recordingNotifier{}
	b := &model.Backup{Task: model.Task{ID: "b1"}, Name: "b1", Strategy: &fakeStrategy{}}
	deps := model.StrategyDeps{Notifier: notifier}

	result := RunBackup(context.Background(), b, deps, 0, testLogger())

	if result.Err != nil {
		t.Fatalf("RunBackup: %v", result.Err)
	}
	if len(notifier.events) != 1 {
		t.Errorf("expected one success notification, got %d", len(notifier.events))
	}
}

func TestRunBackup_RetriableErrorIsReschedulable(t *testing.T) {
	notifier := &recordingNotifier{}
	retriableErr := mbserrors.New(mbserrors.KindConnection, "dial", "connection refused")
	b := &model.Backup{Task: model.Task{ID: "b1", TryCount: 0}, Name: "b1", Strategy: &fakeStrategy{backupErr: retriableErr}}
	deps := model.StrategyDeps{Notifier: notifier}

	result := RunBackup(context.Background(), b, deps, 0, testLogger())

	if result.Err == nil {
		t.Fatal("expected an error")
	}
	if !result.Reschedulable {
		t.Error("expected a retriable error under the retry limit to be reschedulable")
	}
	if len(notifier.errs) != 1 {
		t.Errorf("expected one failure notification, got %d", len(notifier.errs))
	}
}

func TestRunBackup_TerminalErrorIsNotReschedulable(t *testing.T) {
	terminalErr := mbserrors.New(mbserrors.KindInvalidPlan, "plan", "no source archive")
	b := &model.Backup{Task: model.Task{ID: "b1"}, Name: "b1", Strategy: &fakeStrategy{backupErr: terminalErr}}
	deps := model.StrategyDeps{}

	result := RunBackup(context.Background(), b, deps, 0, testLogger())

	if result.Reschedulable {
		t.Error("expected a non-retriable error to be terminal")
	}
}

func TestRunBackup_ExhaustedRetriesIsNotReschedulable(t *testing.T) {
	retriableErr := mbserrors.New(mbserrors.KindConnection, "dial", "connection refused")
	b := &model.Backup{Task: model.Task{ID: "b1", TryCount: model.MaxNoRetries}, Name: "b1", Strategy: &fakeStrategy{backupErr: retriableErr}}
	deps := model.StrategyDeps{}

	result := RunBackup(context.Background(), b, deps, 0, testLogger())

	if result.Reschedulable {
		t.Error("expected a task at the retry limit to be terminal regardless of error kind")
	}
}

func TestRunRestore_Success(t *testing.T) {
	notifier := &recordingNotifier{}
	r := &model.Restore{Task: model.Task{ID: "r1"}, Destination: "mongodb://dest"}
	deps := model.StrategyDeps{Notifier: notifier}

	result := RunRestore(context.Background(), r, &fakeStrategy{}, deps, 0, testLogger())

	if result.Err != nil {
		t.Fatalf("RunRestore: %v", result.Err)
	}
}

func TestRunRestore_RespectsTimeout(t *testing.T) {
	slowStrategy := &blockingStrategy{}
	r := &model.Restore{Task: model.Task{ID: "r1"}}
	deps := model.StrategyDeps{}

	result := RunRestore(context.Background(), r, slowStrategy, deps, 10*time.Millisecond, testLogger())

	if result.Err == nil {
		t.Fatal("expected the context deadline to produce an error")
	}
	if !errors.Is(result.Err, context.DeadlineExceeded) {
		t.Errorf("expected a deadline-exceeded error, got %v", result.Err)
	}
}

type blockingStrategy struct{}

func (s *blockingStrategy) Type() string { return "BlockingStrategy" }
func (s *blockingStrategy) RunBackup(ctx context.Context, b *model.Backup, deps model.StrategyDeps) error {
	return nil
}
func (s *blockingStrategy) RunRestore(ctx context.Context, r *model.Restore, deps model.StrategyDeps) error {
	<-ctx.Done()
	return ctx.Err()
}
func (s *blockingStrategy) NeedsNewMemberSelection(b *model.Backup) bool { return true }
func (s *blockingStrategy) NeedsNewSourceStats(b *model.Backup) bool     { return true }
