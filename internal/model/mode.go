package model

// BackupMode controls whether a backup's source is expected to be reachable
// and lockable (ONLINE) or may be skipped entirely for quiescence purposes
// (OFFLINE, e.g. a cold block-device clone) per §4.6/§4.7.
type BackupMode string

const (
	ModeOnline  BackupMode = "ONLINE"
	ModeOffline BackupMode = "OFFLINE"
)
