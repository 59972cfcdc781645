package model

import "context"

// BackupSource is the closed-sum "polymorphism without inheritance" variant
// described in §9: today MongoSource is the only concrete
// implementation, but callers must operate purely through this interface so
// a second variant can be added without touching the strategies.
type BackupSource interface {
	// Type is the stable serialized tag for this variant (e.g. "MongoSource").
	Type() string

	// URI is the (possibly credential-bearing) connection string.
	URI() string

	// DatabaseName returns the database scoped by the source URI, if any.
	DatabaseName() (string, bool)

	// GetConnector builds (or rebuilds) a Connector for this source, given
	// the current try count and any previously persisted source stats (used
	// to pin the same member across a resumed run).
	GetConnector(ctx context.Context, tryCount int, priorStats map[string]any, prefs MemberPreferences) (Connector, error)

	// GetBlockStorageByAddress returns the CloudBlockStorage configured for
	// the given connector address, if any.
	GetBlockStorageByAddress(address string) (CloudBlockStorage, bool)

	// GetSelectedSources derives the persisted §3 "selectedSources" view from
	// a concrete connector (and, for sharded sources, its selected shard
	// secondaries).
	GetSelectedSources(connector Connector) []SelectedSource
}

// MemberPreference is the selection policy used by the member selector (C4).
type MemberPreference string

const (
	PreferBest          MemberPreference = "BEST"
	PreferPrimaryOnly   MemberPreference = "PRIMARY_ONLY"
	PreferSecondaryOnly MemberPreference = "SECONDARY_ONLY"
	PreferNotPrimary    MemberPreference = "NOT_PRIMARY"
)

// MemberPreferences bundles the inputs to member selection that a
// BackupSource needs from the owning strategy.
type MemberPreferences struct {
	Preference      MemberPreference
	MaxLagSeconds   float64
	AllowOffline    bool
	BackupModeOnline bool
}

// CloudBlockStorage is the closed-sum variant over {EbsVolumeStorage,
// CompositeStorage, ...} from §3.
type CloudBlockStorage interface {
	Type() string
	MountPoint() string

	CreateSnapshot(ctx context.Context, name, description string) (*SnapshotRef, error)
	DeleteSnapshot(ctx context.Context, ref *SnapshotRef) error
	CheckSnapshotUpdates(ctx context.Context, ref *SnapshotRef) (*SnapshotRef, error)

	SuspendIO(ctx context.Context) error
	ResumeIO(ctx context.Context) error
}

// SnapshotSharer is implemented by CloudBlockStorage variants that support
// sharing a completed snapshot with other accounts/groups (the EBS
// specialization in §4.6).
type SnapshotSharer interface {
	ShareSnapshot(ctx context.Context, ref *SnapshotRef, users, groups []string) error
}

// Connector is the closed-sum variant over {MongoServer, MongoCluster,
// ShardedClusterConnector} from §3.
type Connector interface {
	Address() string
	Info() string

	IsOnline(ctx context.Context) (bool, error)
	IsPrimary(ctx context.Context) (bool, error)
	IsSecondary(ctx context.Context) (bool, error)
	IsReplicaMember(ctx context.Context) (bool, error)
	IsConfigServer(ctx context.Context) (bool, error)

	GetMongoVersion(ctx context.Context) (string, error)
	GetStats(ctx context.Context, onlyForDB string) (map[string]any, error)

	Fsynclock(ctx context.Context) error
	Fsyncunlock(ctx context.Context) error
	IsServerLocked(ctx context.Context) (bool, error)

	// GetAuthAdminDB returns the admin-db username used to authenticate, if
	// the connector was built with admin credentials.
	GetAuthAdminDB() (string, bool)
}

// SingleServerConnector marks a Connector that talks to exactly one
// mongod process, as opposed to a cluster-aggregate connector. fsynclock and
// I/O suspend/resume are only meaningful against a single server (§4.4);
// only the MongoServer variant implements this marker.
type SingleServerConnector interface {
	Connector
	IsSingleServerConnector()
}

// ShardedClusterConnector extends Connector with mongos/balancer operations.
type ShardedClusterConnector interface {
	Connector

	SelectShardBestSecondaries(ctx context.Context, maxLagSeconds float64) ([]SelectedSource, error)
	SelectedShardSecondaries() []SelectedSource

	IsBalancerActive(ctx context.Context) (bool, error)
	StopBalancer(ctx context.Context) error
	ResumeBalancer(ctx context.Context) error

	StartBalancerActivityMonitor(ctx context.Context)
	StopBalancerActivityMonitor()
	BalancerActiveDuringMonitor() bool
}

// BackupStrategy is the closed-sum variant over {DumpStrategy,
// CloudBlockStorageStrategy, HybridStrategy}. It is embedded inside the
// persisted Backup document so a rescheduled run resumes with the same
// configuration (§9 "Strategy embedded in task document").
type BackupStrategy interface {
	Type() string

	RunBackup(ctx context.Context, b *Backup, deps StrategyDeps) error
	RunRestore(ctx context.Context, r *Restore, deps StrategyDeps) error

	// NeedsNewMemberSelection and NeedsNewSourceStats let the member
	// selector skip reselecting/restating once the strategy has passed the
	// point where doing so would be unsafe (§4.5/§4.7).
	NeedsNewMemberSelection(b *Backup) bool
	NeedsNewSourceStats(b *Backup) bool
}

// ConnectorFactory builds a Connector directly from a URI. The restore
// executor uses it to reach a destination outside the member-selection path
// that BackupSource.GetConnector drives for backups (§4.8).
type ConnectorFactory interface {
	Build(ctx context.Context, uri string, adminCreds bool) (Connector, error)
}

// StrategyDeps bundles the external collaborators a strategy needs as an
// explicit, injectable context rather than a process-wide singleton (§9
// "Global singleton").
type StrategyDeps struct {
	Store      TaskStore
	Assistant  BackupAssistant
	Notifier   Notifier
	Connectors ConnectorFactory
}

// TaskStore is the consumed persistence boundary (§6). Implementations must
// apply the event append and the listed properties atomically.
type TaskStore interface {
	UpdateBackup(ctx context.Context, b *Backup, update TaskUpdate) error
	UpdateRestore(ctx context.Context, r *Restore, update TaskUpdate) error
	GetBackup(ctx context.Context, id string) (*Backup, error)
}

// TaskUpdate names exactly the fields a phase writes, rather than a dynamic
// list of mutated property names (§9 "Dynamic property-set updates"). A nil
// pointer means "leave this field untouched"; Event, if non-nil, is appended
// to the task's log as part of the same atomic update.
type TaskUpdate struct {
	Event *Event

	Reschedulable *bool

	SourceStats               map[string]any
	SelectedSources           []SelectedSource
	TargetReference           *TargetRef
	SecondaryTargetReferences []TargetRef
	LogTargetReference        *TargetRef
	BackupRateInMBPS          *float64
	Name                      *string
	Description               *string
	Strategy                  BackupStrategy

	DestinationStats map[string]any
}

// BackupAssistant abstracts the host performing local I/O (§6): dump/tar
// subprocess invocation, workspace management, and upload fan-out.
type BackupAssistant interface {
	CreateTaskWorkspace(ctx context.Context, t *Task) (string, error)
	DeleteTaskWorkspace(ctx context.Context, t *Task) error

	IsConnectorLocalToAssistant(ctx context.Context, c Connector, t *Task) (bool, error)

	SuspendIO(ctx context.Context, t *Task, c Connector, cbs CloudBlockStorage) error
	ResumeIO(ctx context.Context, t *Task, c Connector, cbs CloudBlockStorage) error

	DumpBackup(ctx context.Context, t *Task, uri, destDir, logFile string, opts DumpOptions) error
	TarBackup(ctx context.Context, t *Task, dir, tarName string) error
	UploadBackup(ctx context.Context, t *Task, tarPath string, targets []Target, destinationPath string) ([]TargetRef, error)
	UploadBackupLogFile(ctx context.Context, t *Task, logFile, dumpDir string, target Target, destinationPath string) (TargetRef, error)

	DownloadRestoreSourceBackup(ctx context.Context, r *Restore, target Target, ref TargetRef, destDir string) (string, error)
	ExtractRestoreSourceBackup(ctx context.Context, r *Restore, archivePath, destDir string) (string, error)
	RunMongoRestore(ctx context.Context, r *Restore, destURI, dumpDir, srcDB, logFile, srcLogFile string, deleteOldAdminUsersFile, deleteOldUsersFile bool, opts RestoreOptions) error
}

// DumpOptions mirrors the mongodump flag set assembled in §4.5.
type DumpOptions struct {
	Journal                   bool
	ForceTableScan            bool
	Oplog                     bool
	AuthenticationDatabaseAdmin bool
	DumpDbUsersAndRoles       bool
}

// RestoreOptions mirrors the mongorestore flag set assembled in §4.8.
type RestoreOptions struct {
	OplogReplay               bool
	AuthenticationDatabaseAdmin bool
	RestoreDbUsersAndRoles     bool
	NoIndexRestore             bool
}

// Target is the consumed upload destination (§6).
type Target interface {
	PutFile(ctx context.Context, localPath, destinationPath string, overwriteExisting bool) (TargetRef, error)
	DeleteFile(ctx context.Context, ref TargetRef) error
}

// Notifier is the consumed alerting boundary (§6).
type Notifier interface {
	SendEventNotification(subject, message string, priority Priority) error
	SendErrorNotification(subject, message string, err error) error
}
