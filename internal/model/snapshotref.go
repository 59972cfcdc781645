package model

import "time"

// SnapshotStatus is the lifecycle state of a block-storage snapshot.
type SnapshotStatus string

const (
	SnapshotPending   SnapshotStatus = "PENDING"
	SnapshotCompleted SnapshotStatus = "COMPLETED"
	SnapshotError     SnapshotStatus = "ERROR"
)

// TerminalSnapshotStatuses are the statuses that end a polling loop (§4.6).
var TerminalSnapshotStatuses = map[SnapshotStatus]bool{
	SnapshotCompleted: true,
	SnapshotError:     true,
}

// SnapshotRef describes the state of one (possibly composite) block-storage
// snapshot. Composite refs carry one Constituents entry per constituent
// volume; simple refs leave Constituents nil.
type SnapshotRef struct {
	ID              string
	Status          SnapshotStatus
	StartTime       time.Time
	VolumeSize      int64
	Progress        string
	SourceWasLocked bool
	Constituents    []*SnapshotRef
}

// IsComposite reports whether this ref fans out to constituent volumes.
func (r *SnapshotRef) IsComposite() bool {
	return len(r.Constituents) > 0
}

// Diff returns the set of top-level fields that changed between old and new,
// used to produce a compact log line when polling reports an update.
func Diff(oldRef, newRef *SnapshotRef) map[string]any {
	changed := map[string]any{}
	if oldRef == nil {
		if newRef != nil {
			changed["status"] = newRef.Status
		}
		return changed
	}
	if newRef == nil {
		return changed
	}
	if oldRef.Status != newRef.Status {
		changed["status"] = map[string]SnapshotStatus{"from": oldRef.Status, "to": newRef.Status}
	}
	if oldRef.Progress != newRef.Progress {
		changed["progress"] = map[string]string{"from": oldRef.Progress, "to": newRef.Progress}
	}
	if oldRef.VolumeSize != newRef.VolumeSize {
		changed["volumeSize"] = map[string]int64{"from": oldRef.VolumeSize, "to": newRef.VolumeSize}
	}
	return changed
}
