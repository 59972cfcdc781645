// Package quiescence implements the quiescence coordinator (spec component
// C5): the fsynclock/suspendIO dance around snapshot creation, balancer
// interlock on sharded clusters, and the safety watchdogs that bound how
// long a source can stay locked or suspended.
package quiescence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// MaxLockTime bounds how long a watchdog waits before forcing an unlock or
// IO resume (§4.4, §5).
const MaxLockTime = 60 * time.Second

// MaxBalancerStopWait bounds how long the coordinator waits for the
// balancer to report stopped before giving up (§4.4): 30 minutes (30 x 60s),
// polling every balancerPollInterval.
const MaxBalancerStopWait = 1800 * time.Second

const balancerPollInterval = 5 * time.Second
const balancerResumeWaitTimeout = 30 * time.Second

// Coordinator runs the lock/suspend/balancer protocol for one backup run. It
// holds no state across runs; a fresh Coordinator is created per Task.
type Coordinator struct {
	Assistant model.BackupAssistant
	Notifier  model.Notifier
	Logger    *slog.Logger

	// LockWait overrides MaxLockTime for the watchdogs; zero means
	// MaxLockTime. Tests set this to a few milliseconds to avoid waiting out
	// the real 60s window.
	LockWait time.Duration

	// PollInterval overrides balancerPollInterval for StopBalancer's poll
	// loop; zero means balancerPollInterval.
	PollInterval time.Duration

	watchdogs sync.WaitGroup
}

func (co *Coordinator) lockWait() time.Duration {
	if co.LockWait > 0 {
		return co.LockWait
	}
	return MaxLockTime
}

func (co *Coordinator) pollInterval() time.Duration {
	if co.PollInterval > 0 {
		return co.PollInterval
	}
	return balancerPollInterval
}

// eventAppender is the minimal surface the coordinator needs to record
// events; satisfied by *model.Task.
type eventAppender interface {
	LogEvent(name string, typ model.EventType, message string, details map[string]any)
	LogErrorEvent(name, message, errorCode string, details map[string]any)
	IsEventLogged(name string) bool
}

// FsyncLock implements the lock protocol of §4.4: lock, then start a
// detached watchdog that force-unlocks after MaxLockTime if still held.
func (co *Coordinator) FsyncLock(ctx context.Context, task eventAppender, c model.Connector) error {
	single, ok := c.(model.SingleServerConnector)
	if !ok {
		return mbserrors.New(mbserrors.KindConfiguration, "fsyncLock", "connector is not a single mongod server")
	}

	task.LogEvent("FSYNCLOCK", model.EventInfo, "locking "+c.Info(), nil)
	if err := single.Fsynclock(ctx); err != nil {
		return mbserrors.Wrap(mbserrors.KindMongoLock, "fsyncLock", "fsynclock failed", err)
	}
	task.LogEvent("FSYNCLOCK_END", model.EventInfo, "locked "+c.Info(), nil)

	co.spawnWatchdog(func() {
		co.lockWatchdog(single, task)
	})

	return nil
}

// FsyncUnlock implements the aggressive-unlock half of §4.4: up to 120
// attempts at 5s, honoring the retry classifier, because releasing the lock
// matters more than acquiring it.
func (co *Coordinator) FsyncUnlock(ctx context.Context, task eventAppender, c model.Connector) error {
	single, ok := c.(model.SingleServerConnector)
	if !ok {
		return mbserrors.New(mbserrors.KindConfiguration, "fsyncUnlock", "connector is not a single mongod server")
	}

	err := mbserrors.Robustify(ctx, mbserrors.UnlockRetry, "fsyncUnlock", co.Logger, nil, func(ctx context.Context) error {
		return single.Fsyncunlock(ctx)
	})
	if err == nil {
		task.LogEvent("FSYNCUNLOCK", model.EventInfo, "unlocked "+c.Info(), nil)
	}
	return err
}

func (co *Coordinator) lockWatchdog(c model.SingleServerConnector, task eventAppender) {
	time.Sleep(co.lockWait())

	locked, err := c.IsServerLocked(context.Background())
	if err != nil {
		co.Logger.Warn("lock watchdog: failed to check lock state", "address", c.Address(), "error", err)
		return
	}
	if !locked {
		return
	}

	co.Logger.Error("lock watchdog: server still locked past MAX_LOCK_TIME, forcing unlock", "address", c.Address())
	if err := c.Fsyncunlock(context.Background()); err != nil {
		co.Logger.Error("lock watchdog: forced unlock failed", "address", c.Address(), "error", err)
	}
	task.LogErrorEvent("FSYNC_LOCK_MONITOR", "watchdog forced an unlock after MAX_LOCK_TIME", "", nil)
}

// SuspendIO implements §4.4's I/O suspend protocol.
func (co *Coordinator) SuspendIO(ctx context.Context, task eventAppender, c model.Connector, cbs model.CloudBlockStorage, t *model.Task, ensureLocal bool) error {
	single, ok := c.(model.SingleServerConnector)
	if !ok {
		return mbserrors.New(mbserrors.KindConfiguration, "suspendIO", "connector is not a single mongod server")
	}

	if ensureLocal {
		local, err := co.Assistant.IsConnectorLocalToAssistant(ctx, single, t)
		if err != nil {
			return mbserrors.Wrap(mbserrors.KindConfiguration, "suspendIO", "failed to check locality", err)
		}
		if !local {
			return mbserrors.New(mbserrors.KindBackupNotOnLocalhost, "suspendIO", "connector is not local to the backup assistant")
		}
	}

	task.LogEvent("SUSPEND_IO", model.EventInfo, "suspending IO on "+c.Info(), nil)
	if err := co.Assistant.SuspendIO(ctx, t, single, cbs); err != nil {
		return mbserrors.Wrap(mbserrors.KindSuspendIO, "suspendIO", "suspendIO failed", err)
	}
	task.LogEvent("SUSPEND_IO_END", model.EventInfo, "IO suspended on "+c.Info(), nil)

	co.spawnWatchdog(func() {
		co.ioWatchdog(single, cbs, t, task)
	})

	return nil
}

// ResumeIO implements the resume half. There is no "is IO suspended?"
// probe, so the watchdog's success/failure is interpreted per §4.4: a
// successful resume means the watchdog genuinely had to act (logged as an
// error), a failing resume is read as "already resumed in time".
func (co *Coordinator) ResumeIO(ctx context.Context, task eventAppender, c model.Connector, cbs model.CloudBlockStorage, t *model.Task) error {
	single, ok := c.(model.SingleServerConnector)
	if !ok {
		return mbserrors.New(mbserrors.KindConfiguration, "resumeIO", "connector is not a single mongod server")
	}
	if err := co.Assistant.ResumeIO(ctx, t, single, cbs); err != nil {
		return mbserrors.Wrap(mbserrors.KindResumeIO, "resumeIO", "resumeIO failed", err)
	}
	task.LogEvent("RESUME_IO", model.EventInfo, "resumed IO on "+c.Info(), nil)
	return nil
}

func (co *Coordinator) ioWatchdog(c model.SingleServerConnector, cbs model.CloudBlockStorage, t *model.Task, task eventAppender) {
	time.Sleep(co.lockWait())

	err := co.Assistant.ResumeIO(context.Background(), t, c, cbs)
	if err == nil {
		// Per §4.4: a successful watchdog resume means IO was still
		// suspended past MAX_LOCK_TIME — that is itself the failure signal.
		task.LogErrorEvent("IO_SUSPEND_MONITOR_MONITOR", "watchdog had to resume IO after MAX_LOCK_TIME", "", nil)
		return
	}
	co.Logger.Debug("io watchdog: resume failed, taken as already-resumed-in-time", "address", c.Address(), "error", err)
}

// StopBalancer implements the balancer interlock half of §4.4: issue
// stopBalancer, then poll isBalancerActive until it reports stopped or
// MaxBalancerStopWait elapses. A running activity monitor is started so the
// cleanup path can tell whether the balancer ever resumed chunk migrations
// while supposedly stopped.
func (co *Coordinator) StopBalancer(ctx context.Context, task eventAppender, sharded model.ShardedClusterConnector) error {
	task.LogEvent("STOP_BALANCER", model.EventInfo, "stopping balancer on "+sharded.Info(), nil)
	if err := sharded.StopBalancer(ctx); err != nil {
		return mbserrors.Wrap(mbserrors.KindBalancerActive, "stopBalancer", "stopBalancer failed", err)
	}

	deadline := time.Now().Add(MaxBalancerStopWait)
	for {
		active, err := sharded.IsBalancerActive(ctx)
		if err != nil {
			return mbserrors.Wrap(mbserrors.KindBalancerActive, "stopBalancer", "isBalancerActive failed", err)
		}
		if !active {
			break
		}
		if time.Now().After(deadline) {
			return mbserrors.New(mbserrors.KindBalancerActive, "stopBalancer", "balancer did not stop within MAX_BALANCER_STOP_WAIT")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(co.pollInterval()):
		}
	}

	task.LogEvent("STOP_BALANCER_END", model.EventInfo, "balancer stopped on "+sharded.Info(), nil)
	sharded.StartBalancerActivityMonitor(ctx)
	return nil
}

// ResumeBalancer implements the cleanup half: stop the activity monitor,
// log whether it ever observed activity while supposedly stopped, then
// resume the balancer.
func (co *Coordinator) ResumeBalancer(ctx context.Context, task eventAppender, sharded model.ShardedClusterConnector) error {
	sharded.StopBalancerActivityMonitor()
	if sharded.BalancerActiveDuringMonitor() {
		task.LogErrorEvent("BALANCER_ACTIVITY_DURING_STOP", "balancer activity observed while supposedly stopped", "", nil)
	}

	resumeCtx, cancel := context.WithTimeout(ctx, balancerResumeWaitTimeout)
	defer cancel()
	if err := sharded.ResumeBalancer(resumeCtx); err != nil {
		return mbserrors.Wrap(mbserrors.KindBalancerActive, "resumeBalancer", "resumeBalancer failed", err)
	}
	return nil
}

// spawnWatchdog launches a fire-and-forget goroutine: it does not join, and
// it races against the normal cleanup path by design (§5). Panics are
// recovered and logged so a watchdog bug cannot crash the process.
func (co *Coordinator) spawnWatchdog(fn func()) {
	co.watchdogs.Add(1)
	go func() {
		defer co.watchdogs.Done()
		defer func() {
			if r := recover(); r != nil {
				co.Logger.Error("watchdog panicked", "recovered", r)
			}
		}()
		fn()
	}()
}

// Wait blocks until every watchdog spawned by this Coordinator has
// returned. Production callers need not call this — watchdogs are
// fire-and-forget — but tests use it to make assertions deterministic.
func (co *Coordinator) Wait() {
	co.watchdogs.Wait()
}

// CleanupState describes which of the lock/suspend/balancer steps were
// actually engaged for this run, so Cleanup only reverses what was done.
type CleanupState struct {
	IOSuspended     bool
	FsyncLocked     bool
	BalancerStopped bool
}

// Cleanup reverses whatever CleanupState says was engaged, in the exact
// order required by §4.4: resumeIO, then fsyncunlock, then resumeBalancer.
// Each step is attempted independently of the others' failure — one step's
// error is logged and does not prevent the remaining steps from running —
// and every caught error is returned joined so the caller can still notice
// the run was not fully cleaned up.
func (co *Coordinator) Cleanup(ctx context.Context, task eventAppender, c model.Connector, cbs model.CloudBlockStorage, t *model.Task, sharded model.ShardedClusterConnector, state CleanupState) error {
	var errs []error

	if state.IOSuspended {
		if err := co.ResumeIO(ctx, task, c, cbs, t); err != nil {
			co.Logger.Error("cleanup: resumeIO failed", "error", err)
			errs = append(errs, err)
		}
	}

	if state.FsyncLocked {
		if err := co.FsyncUnlock(ctx, task, c); err != nil {
			co.Logger.Error("cleanup: fsyncUnlock failed", "error", err)
			errs = append(errs, err)
		}
	}

	if state.BalancerStopped && sharded != nil {
		if err := co.ResumeBalancer(ctx, task, sharded); err != nil {
			co.Logger.Error("cleanup: resumeBalancer failed", "error", err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
