package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

func testLoggerStrategy() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConnector is a minimal model.Connector used across the strategy tests.
type fakeConnector struct {
	address       string
	version       string
	online        bool
	primary       bool
	secondary     bool
	replicaMember bool
	configServer  bool
	stats         map[string]any
	adminUser     string
	hasAdminUser  bool

	locked     bool
	lockCalls  int
	unlockCalls int

	// trace, when non-nil, records call ordering across fakeConnector and
	// fakeCBS so a test can assert one happened before the other.
	trace *[]string
}

func (c *fakeConnector) Address() string { return c.address }
func (c *fakeConnector) Info() string    { return "mongod@" + c.address }

func (c *fakeConnector) IsOnline(ctx context.Context) (bool, error)         { return c.online, nil }
func (c *fakeConnector) IsPrimary(ctx context.Context) (bool, error)        { return c.primary, nil }
func (c *fakeConnector) IsSecondary(ctx context.Context) (bool, error)      { return c.secondary, nil }
func (c *fakeConnector) IsReplicaMember(ctx context.Context) (bool, error)  { return c.replicaMember, nil }
func (c *fakeConnector) IsConfigServer(ctx context.Context) (bool, error)   { return c.configServer, nil }

func (c *fakeConnector) GetMongoVersion(ctx context.Context) (string, error) {
	return c.version, nil
}

func (c *fakeConnector) GetStats(ctx context.Context, onlyForDB string) (map[string]any, error) {
	return c.stats, nil
}

func (c *fakeConnector) Fsynclock(ctx context.Context) error {
	c.locked = true
	c.lockCalls++
	c.record("fsynclock")
	return nil
}

func (c *fakeConnector) Fsyncunlock(ctx context.Context) error {
	c.locked = false
	c.unlockCalls++
	c.record("fsyncunlock")
	return nil
}

func (c *fakeConnector) record(event string) {
	if c.trace != nil {
		*c.trace = append(*c.trace, event)
	}
}
func (c *fakeConnector) IsServerLocked(ctx context.Context) (bool, error) { return c.locked, nil }

func (c *fakeConnector) GetAuthAdminDB() (string, bool) { return c.adminUser, c.hasAdminUser }

// fakeSingleConnector adds the SingleServerConnector marker over fakeConnector,
// for tests that exercise the quiescence coordinator's lock/suspend paths.
type fakeSingleConnector struct {
	*fakeConnector
}

func (f *fakeSingleConnector) IsSingleServerConnector() {}

// fakeShardedConnector adds the ShardedClusterConnector surface over
// fakeConnector, for tests covering the mongos-specific admin-db exclusion
// and balancer coordination.
type fakeShardedConnector struct {
	*fakeConnector

	balancerActive bool
	monitorActive  bool
}

func (f *fakeShardedConnector) SelectShardBestSecondaries(ctx context.Context, maxLagSeconds float64) ([]model.SelectedSource, error) {
	return nil, nil
}
func (f *fakeShardedConnector) SelectedShardSecondaries() []model.SelectedSource { return nil }

func (f *fakeShardedConnector) IsBalancerActive(ctx context.Context) (bool, error) {
	return f.balancerActive, nil
}
func (f *fakeShardedConnector) StopBalancer(ctx context.Context) error   { return nil }
func (f *fakeShardedConnector) ResumeBalancer(ctx context.Context) error { return nil }

func (f *fakeShardedConnector) StartBalancerActivityMonitor(ctx context.Context) { f.monitorActive = true }
func (f *fakeShardedConnector) StopBalancerActivityMonitor()                     { f.monitorActive = false }
func (f *fakeShardedConnector) BalancerActiveDuringMonitor() bool                { return f.balancerActive }

// fakeSource is a minimal model.BackupSource.
type fakeSource struct {
	uri        string
	dbName     string
	hasDB      bool
	connector  model.Connector
	connectErr error
	cbs        model.CloudBlockStorage
	hasCBS     bool
}

func (s *fakeSource) Type() string { return "FakeSource" }
func (s *fakeSource) URI() string  { return s.uri }
func (s *fakeSource) DatabaseName() (string, bool) { return s.dbName, s.hasDB }

func (s *fakeSource) GetConnector(ctx context.Context, tryCount int, priorStats map[string]any, prefs model.MemberPreferences) (model.Connector, error) {
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	return s.connector, nil
}

func (s *fakeSource) GetBlockStorageByAddress(address string) (model.CloudBlockStorage, bool) {
	return s.cbs, s.hasCBS
}

func (s *fakeSource) GetSelectedSources(connector model.Connector) []model.SelectedSource {
	return []model.SelectedSource{{Address: connector.Address()}}
}

// fakeTarget is a minimal model.Target recording every upload.
type fakeTarget struct {
	name    string
	puts    []string
	deletes []model.TargetRef
	putErr  error
}

func (t *fakeTarget) PutFile(ctx context.Context, localPath, destinationPath string, overwriteExisting bool) (model.TargetRef, error) {
	if t.putErr != nil {
		return model.TargetRef{}, t.putErr
	}
	t.puts = append(t.puts, destinationPath)
	return model.TargetRef{ID: t.name + ":" + destinationPath, Path: destinationPath}, nil
}

func (t *fakeTarget) DeleteFile(ctx context.Context, ref model.TargetRef) error {
	t.deletes = append(t.deletes, ref)
	return nil
}

// fakeStore is a minimal model.TaskStore recording every update.
type fakeStore struct {
	backupUpdates  []model.TaskUpdate
	restoreUpdates []model.TaskUpdate
	backups        map[string]*model.Backup
}

func (s *fakeStore) UpdateBackup(ctx context.Context, b *model.Backup, update model.TaskUpdate) error {
	s.backupUpdates = append(s.backupUpdates, update)
	return nil
}

func (s *fakeStore) UpdateRestore(ctx context.Context, r *model.Restore, update model.TaskUpdate) error {
	s.restoreUpdates = append(s.restoreUpdates, update)
	return nil
}

func (s *fakeStore) GetBackup(ctx context.Context, id string) (*model.Backup, error) {
	b, ok := s.backups[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

// fakeAssistant is a minimal model.BackupAssistant recording every call.
type fakeAssistant struct {
	workspace string

	dumpCalls     int
	dumpErr       error
	tarCalls      int
	tarErr        error
	uploadRefs    []model.TargetRef
	uploadErr     error
	logUploadErr  error

	downloadPath string
	downloadErr  error
	extractPath  string
	extractErr   error
	restoreErr   error
	restoreCalls int
	lastRestoreOpts model.RestoreOptions
	lastDeleteOldAdmin bool
	lastDeleteOldUsers bool
}

func (a *fakeAssistant) CreateTaskWorkspace(ctx context.Context, t *model.Task) (string, error) {
	if a.workspace == "" {
		a.workspace = "/tmp/ws"
	}
	return a.workspace, nil
}

func (a *fakeAssistant) DeleteTaskWorkspace(ctx context.Context, t *model.Task) error { return nil }

func (a *fakeAssistant) IsConnectorLocalToAssistant(ctx context.Context, c model.Connector, t *model.Task) (bool, error) {
	return true, nil
}

func (a *fakeAssistant) SuspendIO(ctx context.Context, t *model.Task, c model.Connector, cbs model.CloudBlockStorage) error {
	return cbs.SuspendIO(ctx)
}

func (a *fakeAssistant) ResumeIO(ctx context.Context, t *model.Task, c model.Connector, cbs model.CloudBlockStorage) error {
	return cbs.ResumeIO(ctx)
}

func (a *fakeAssistant) DumpBackup(ctx context.Context, t *model.Task, uri, destDir, logFile string, opts model.DumpOptions) error {
	a.dumpCalls++
	return a.dumpErr
}

func (a *fakeAssistant) TarBackup(ctx context.Context, t *model.Task, dir, tarName string) error {
	a.tarCalls++
	return a.tarErr
}

func (a *fakeAssistant) UploadBackup(ctx context.Context, t *model.Task, tarPath string, targets []model.Target, destinationPath string) ([]model.TargetRef, error) {
	if a.uploadErr != nil {
		return nil, a.uploadErr
	}
	if a.uploadRefs != nil {
		return a.uploadRefs, nil
	}
	refs := make([]model.TargetRef, len(targets))
	for i, target := range targets {
		ref, err := target.PutFile(ctx, tarPath, destinationPath, true)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	return refs, nil
}

func (a *fakeAssistant) UploadBackupLogFile(ctx context.Context, t *model.Task, logFile, dumpDir string, target model.Target, destinationPath string) (model.TargetRef, error) {
	if a.logUploadErr != nil {
		return model.TargetRef{}, a.logUploadErr
	}
	return model.TargetRef{ID: destinationPath, Path: destinationPath}, nil
}

func (a *fakeAssistant) DownloadRestoreSourceBackup(ctx context.Context, r *model.Restore, target model.Target, ref model.TargetRef, destDir string) (string, error) {
	if a.downloadErr != nil {
		return "", a.downloadErr
	}
	if a.downloadPath == "" {
		a.downloadPath = destDir + "/archive.tgz"
	}
	return a.downloadPath, nil
}

func (a *fakeAssistant) ExtractRestoreSourceBackup(ctx context.Context, r *model.Restore, archivePath, destDir string) (string, error) {
	if a.extractErr != nil {
		return "", a.extractErr
	}
	if a.extractPath == "" {
		a.extractPath = destDir + "/dump"
	}
	return a.extractPath, nil
}

func (a *fakeAssistant) RunMongoRestore(ctx context.Context, r *model.Restore, destURI, dumpDir, srcDB, logFile, srcLogFile string, deleteOldAdminUsersFile, deleteOldUsersFile bool, opts model.RestoreOptions) error {
	a.restoreCalls++
	a.lastRestoreOpts = opts
	a.lastDeleteOldAdmin = deleteOldAdminUsersFile
	a.lastDeleteOldUsers = deleteOldUsersFile
	return a.restoreErr
}

// fakeCBS is a minimal model.CloudBlockStorage.
type fakeCBS struct {
	mount string

	createRef *model.SnapshotRef
	createErr error

	checkSequence []*model.SnapshotRef
	checkIdx      int
	checkErr      error

	suspendCalls int
	resumeCalls  int
	deleteCalls  int

	// trace, when non-nil, records call ordering across fakeCBS and
	// fakeConnector so a test can assert one happened before the other.
	trace *[]string
}

func (c *fakeCBS) Type() string      { return "FakeCBS" }
func (c *fakeCBS) MountPoint() string { return c.mount }

func (c *fakeCBS) CreateSnapshot(ctx context.Context, name, description string) (*model.SnapshotRef, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	return c.createRef, nil
}

func (c *fakeCBS) DeleteSnapshot(ctx context.Context, ref *model.SnapshotRef) error {
	c.deleteCalls++
	return nil
}

func (c *fakeCBS) CheckSnapshotUpdates(ctx context.Context, ref *model.SnapshotRef) (*model.SnapshotRef, error) {
	c.record("check")
	if c.checkErr != nil {
		return nil, c.checkErr
	}
	if c.checkIdx < len(c.checkSequence) {
		next := c.checkSequence[c.checkIdx]
		c.checkIdx++
		return next, nil
	}
	return ref, nil
}

func (c *fakeCBS) SuspendIO(ctx context.Context) error {
	c.suspendCalls++
	c.record("suspendIO")
	return nil
}

func (c *fakeCBS) ResumeIO(ctx context.Context) error {
	c.resumeCalls++
	c.record("resumeIO")
	return nil
}

func (c *fakeCBS) record(event string) {
	if c.trace != nil {
		*c.trace = append(*c.trace, event)
	}
}

// fakeConnectorFactory is a minimal model.ConnectorFactory.
type fakeConnectorFactory struct {
	connector model.Connector
	err       error
	lastURI   string
}

func (f *fakeConnectorFactory) Build(ctx context.Context, uri string, adminCreds bool) (model.Connector, error) {
	f.lastURI = uri
	if f.err != nil {
		return nil, f.err
	}
	return f.connector, nil
}

// fakeNotifier is a minimal model.Notifier.
type fakeNotifier struct{}

func (fakeNotifier) SendEventNotification(subject, message string, priority model.Priority) error {
	return nil
}
func (fakeNotifier) SendErrorNotification(subject, message string, err error) error { return nil }
