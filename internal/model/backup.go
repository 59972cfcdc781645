package model

import "time"

// SelectedSource records one concrete member chosen by the member selector
// for a backup run (§3 "selectedSources").
type SelectedSource struct {
	Address   string
	Role      string // "primary", "secondary", "config"
	LagSecond float64
}

// Backup extends Task with everything specific to a backup run.
type Backup struct {
	Task

	Source           BackupSource
	Target           Target
	SecondaryTargets []Target
	Strategy         BackupStrategy

	PlanID         string
	PlanOccurrence *time.Time

	Name        string
	Description string

	SourceStats map[string]any

	SelectedSources           []SelectedSource
	TargetReference           *TargetRef
	SecondaryTargetReferences []TargetRef
	LogTargetReference        *TargetRef
	BackupRateInMBPS          float64
}

// Restore extends Task with everything specific to a restore run.
type Restore struct {
	Task

	SourceBackup       *Backup
	Destination        string
	SourceDatabaseName string

	DestinationStats   map[string]any
	LogTargetReference *TargetRef
}

// SourceDataSizeMB reports the dataSize stat in megabytes, or 0 if absent.
func (b *Backup) SourceDataSizeMB() float64 {
	if b.SourceStats == nil {
		return 0
	}
	v, ok := b.SourceStats["dataSize"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n / (1024 * 1024)
	case int64:
		return float64(n) / (1024 * 1024)
	case int:
		return float64(n) / (1024 * 1024)
	default:
		return 0
	}
}
