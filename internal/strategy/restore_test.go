package strategy

import (
	"context"
	"testing"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

func newTestRestore(sourceBackup *model.Backup) *model.Restore {
	return &model.Restore{
		SourceBackup: sourceBackup,
		Destination:  "mongodb://dest:27017",
	}
}

func sourceBackupWithArchive() *model.Backup {
	b := &model.Backup{
		Name:            "bak-1",
		TargetReference: &model.TargetRef{ID: "t1", Path: "/targets/bak-1.tgz"},
		SourceStats:     map[string]any{"databaseName": "mydb", "version": "2.4.0"},
		Source:          &fakeSource{dbName: "mydb", hasDB: true},
	}
	return b
}

func TestRestoreFromDump_FullRun(t *testing.T) {
	b := sourceBackupWithArchive()
	r := newTestRestore(b)

	assistant := &fakeAssistant{}
	store := &fakeStore{}
	connFactory := &fakeConnectorFactory{connector: &fakeConnector{address: "dest:27017", version: "3.0.0", hasAdminUser: true}}
	deps := model.StrategyDeps{Store: store, Assistant: assistant, Notifier: fakeNotifier{}, Connectors: connFactory}

	if err := restoreFromDump(context.Background(), r, deps); err != nil {
		t.Fatalf("restoreFromDump: %v", err)
	}

	if assistant.restoreCalls != 1 {
		t.Errorf("restoreCalls = %d, want 1", assistant.restoreCalls)
	}
	if !r.Events.Has(evEndDownloadBackup) || !r.Events.Has(evEndExtractRestore) || !r.Events.Has(evEndRestoreDump) {
		t.Error("expected download/extract/restore completion events to be logged")
	}
	// source is below 2.6.0, dest is at least 2.6.0: old admin users file
	// should be dropped (source predates per-database user collections).
	if !assistant.lastDeleteOldAdmin {
		t.Error("expected deleteOldAdminUsersFile = true")
	}
	if !assistant.lastRestoreOpts.AuthenticationDatabaseAdmin {
		t.Error("expected AuthenticationDatabaseAdmin to be set (dest >= 2.4.0 with admin creds)")
	}
	if !assistant.lastRestoreOpts.RestoreDbUsersAndRoles {
		t.Error("expected RestoreDbUsersAndRoles to be set (db-scoped restore, dest >= 2.6.0)")
	}
}

func TestRestoreFromDump_ShardedDestinationSkipsAdminDB(t *testing.T) {
	b := sourceBackupWithArchive()
	r := newTestRestore(b)

	assistant := &fakeAssistant{}
	store := &fakeStore{}
	mongos := &fakeShardedConnector{fakeConnector: &fakeConnector{address: "mongos:27017", version: "3.0.0", hasAdminUser: true}}
	connFactory := &fakeConnectorFactory{connector: mongos}
	deps := model.StrategyDeps{Store: store, Assistant: assistant, Notifier: fakeNotifier{}, Connectors: connFactory}

	if err := restoreFromDump(context.Background(), r, deps); err != nil {
		t.Fatalf("restoreFromDump: %v", err)
	}
	if assistant.lastRestoreOpts.AuthenticationDatabaseAdmin {
		t.Error("expected AuthenticationDatabaseAdmin to stay false when the destination is a sharded cluster connector")
	}
}

func TestRestoreFromDump_ResumesPastDownloadAndExtract(t *testing.T) {
	b := sourceBackupWithArchive()
	r := newTestRestore(b)
	r.LogEvent(evStartDownloadBackup, model.EventInfo, "", nil)
	r.LogEvent(evEndDownloadBackup, model.EventInfo, "", nil)
	r.LogEvent(evStartExtractRestore, model.EventInfo, "", nil)
	r.LogEvent(evEndExtractRestore, model.EventInfo, "", nil)

	assistant := &fakeAssistant{}
	store := &fakeStore{}
	connFactory := &fakeConnectorFactory{connector: &fakeConnector{address: "dest:27017", version: "3.0.0"}}
	deps := model.StrategyDeps{Store: store, Assistant: assistant, Notifier: fakeNotifier{}, Connectors: connFactory}

	if err := restoreFromDump(context.Background(), r, deps); err != nil {
		t.Fatalf("restoreFromDump: %v", err)
	}
	if assistant.restoreCalls != 1 {
		t.Errorf("restoreCalls = %d, want 1", assistant.restoreCalls)
	}
}

func TestRestoreFromDump_AlreadyComplete(t *testing.T) {
	b := sourceBackupWithArchive()
	r := newTestRestore(b)
	r.LogEvent(evEndDownloadBackup, model.EventInfo, "", nil)
	r.LogEvent(evEndExtractRestore, model.EventInfo, "", nil)
	r.LogEvent(evEndRestoreDump, model.EventInfo, "", nil)

	assistant := &fakeAssistant{}
	store := &fakeStore{}
	deps := model.StrategyDeps{Store: store, Assistant: assistant, Notifier: fakeNotifier{}}

	if err := restoreFromDump(context.Background(), r, deps); err != nil {
		t.Fatalf("restoreFromDump: %v", err)
	}
	if assistant.restoreCalls != 0 {
		t.Errorf("restoreCalls = %d, want 0 (already complete)", assistant.restoreCalls)
	}
}

func TestRestoreFromDump_NoSourceArchive(t *testing.T) {
	r := newTestRestore(&model.Backup{})
	deps := model.StrategyDeps{Store: &fakeStore{}, Assistant: &fakeAssistant{}}
	err := restoreFromDump(context.Background(), r, deps)
	if err == nil {
		t.Fatal("expected error when source backup has no archive reference")
	}
}

func TestSourceDatabaseName(t *testing.T) {
	tests := []struct {
		name string
		r    *model.Restore
		want string
	}{
		{
			name: "explicit override wins",
			r: &model.Restore{
				SourceDatabaseName: "override",
				SourceBackup:       &model.Backup{Source: &fakeSource{dbName: "fromsource", hasDB: true}},
			},
			want: "override",
		},
		{
			name: "source's database name",
			r: &model.Restore{
				SourceBackup: &model.Backup{Source: &fakeSource{dbName: "fromsource", hasDB: true}},
			},
			want: "fromsource",
		},
		{
			name: "falls back to sourceStats.databaseName",
			r: &model.Restore{
				SourceBackup: &model.Backup{
					Source:      &fakeSource{},
					SourceStats: map[string]any{"databaseName": "fromstats"},
				},
			},
			want: "fromstats",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sourceDatabaseName(tt.r); got != tt.want {
				t.Errorf("sourceDatabaseName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanupFlags(t *testing.T) {
	tests := []struct {
		name           string
		sourceVersion  string
		destVersion    string
		wantOldAdmin   bool
		wantOldUsers   bool
	}{
		{"both below 2.6", "2.4.0", "2.4.0", false, false},
		{"source old, dest new", "2.4.0", "2.6.0", true, true},
		{"both at least 2.6", "2.6.0", "2.8.0", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &model.Restore{SourceBackup: &model.Backup{SourceStats: map[string]any{"version": tt.sourceVersion}}}
			gotAdmin, gotUsers := cleanupFlags(r, tt.destVersion)
			if gotAdmin != tt.wantOldAdmin {
				t.Errorf("deleteOldAdminUsersFile = %v, want %v", gotAdmin, tt.wantOldAdmin)
			}
			if gotUsers != tt.wantOldUsers {
				t.Errorf("deleteOldUsersFile = %v, want %v", gotUsers, tt.wantOldUsers)
			}
		})
	}
}
