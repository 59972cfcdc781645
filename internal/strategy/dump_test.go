package strategy

import (
	"context"
	"testing"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

func newTestBackup(source *fakeSource, target *fakeTarget) *model.Backup {
	return &model.Backup{
		Source: source,
		Target: target,
	}
}

func newTestDeps(store *fakeStore, assistant *fakeAssistant) model.StrategyDeps {
	return model.StrategyDeps{
		Store:     store,
		Assistant: assistant,
		Notifier:  fakeNotifier{},
	}
}

func TestDumpStrategy_RunBackup_FullRun(t *testing.T) {
	source := &fakeSource{
		uri:       "mongodb://host:27017",
		connector: &fakeConnector{address: "host:27017", version: "4.2.0", replicaMember: true},
	}
	target := &fakeTarget{name: "primary"}
	b := newTestBackup(source, target)
	assistant := &fakeAssistant{}
	store := &fakeStore{}
	deps := newTestDeps(store, assistant)

	strat := &DumpStrategy{Shared: Shared{Assistant: assistant}}
	if err := strat.RunBackup(context.Background(), b, deps); err != nil {
		t.Fatalf("RunBackup: %v", err)
	}

	if assistant.dumpCalls != 1 {
		t.Errorf("dumpCalls = %d, want 1", assistant.dumpCalls)
	}
	if assistant.tarCalls != 1 {
		t.Errorf("tarCalls = %d, want 1", assistant.tarCalls)
	}
	if len(target.puts) != 1 {
		t.Errorf("target.puts = %v, want 1 entry", target.puts)
	}
	if b.Name == "" || b.Description == "" {
		t.Error("expected name/description to be generated")
	}
	if b.TargetReference == nil {
		t.Error("expected TargetReference to be set after upload")
	}
	if !b.Events.Has(evEndExtract) || !b.Events.Has(evEndArchive) || !b.Events.Has(evEndUpload) {
		t.Error("expected extract/archive/upload completion events to be logged")
	}
}

func TestDumpStrategy_RunBackup_ResumesPastExtract(t *testing.T) {
	source := &fakeSource{
		uri:       "mongodb://host:27017",
		connector: &fakeConnector{address: "host:27017", version: "4.2.0"},
	}
	target := &fakeTarget{name: "primary"}
	b := newTestBackup(source, target)
	b.Name = "already-named"
	b.Description = "already-described"
	b.LogEvent(evStartExtract, model.EventInfo, "", nil)
	b.LogEvent(evEndExtract, model.EventInfo, "", nil)

	assistant := &fakeAssistant{}
	store := &fakeStore{}
	deps := newTestDeps(store, assistant)

	strat := &DumpStrategy{Shared: Shared{Assistant: assistant}}
	if err := strat.RunBackup(context.Background(), b, deps); err != nil {
		t.Fatalf("RunBackup: %v", err)
	}

	if assistant.dumpCalls != 0 {
		t.Errorf("dumpCalls = %d, want 0 (extract already complete)", assistant.dumpCalls)
	}
	if assistant.tarCalls != 1 {
		t.Errorf("tarCalls = %d, want 1", assistant.tarCalls)
	}
}

func TestDumpStrategy_RunBackup_DumpFailureStillArchivesFailedDump(t *testing.T) {
	source := &fakeSource{
		uri:       "mongodb://host:27017",
		connector: &fakeConnector{address: "host:27017", version: "4.2.0"},
	}
	target := &fakeTarget{name: "primary"}
	b := newTestBackup(source, target)
	assistant := &fakeAssistant{dumpErr: errTestDump{}}
	store := &fakeStore{}
	deps := newTestDeps(store, assistant)

	strat := &DumpStrategy{Shared: Shared{Assistant: assistant}}
	err := strat.RunBackup(context.Background(), b, deps)
	if err == nil {
		t.Fatal("expected RunBackup to return the dump error")
	}
	if assistant.tarCalls != 1 {
		t.Errorf("tarCalls = %d, want 1 (failed-dump archive)", assistant.tarCalls)
	}
	if len(target.puts) != 1 {
		t.Errorf("expected the failed archive to be uploaded, got %d puts", len(target.puts))
	}
}

type errTestDump struct{}

func (errTestDump) Error() string { return "dump failed" }

func TestDumpStrategy_NeedsNewMemberSelection(t *testing.T) {
	strat := &DumpStrategy{}
	b := &model.Backup{}
	if !strat.NeedsNewMemberSelection(b) {
		t.Error("expected true before extraction completes")
	}
	b.LogEvent(evEndExtract, model.EventInfo, "", nil)
	if strat.NeedsNewMemberSelection(b) {
		t.Error("expected false once extraction has completed")
	}
}

func TestDumpOptions(t *testing.T) {
	tests := []struct {
		name        string
		hasDB       bool
		dbName      string
		version     string
		hasAdmin    bool
		configSrv   bool
		replicaMem  bool
		forceScan   bool
		sharded     bool
		wantJournal bool
		wantOplog   bool
		wantAuthDB  bool
		wantUsers   bool
	}{
		{
			name:        "whole-instance dump on replica set",
			hasDB:       false,
			version:     "4.2.0",
			hasAdmin:    true,
			replicaMem:  true,
			forceScan:   true,
			wantJournal: false,
			wantOplog:   true,
			wantAuthDB:  true,
		},
		{
			name:       "config server forces journal",
			hasDB:      false,
			version:    "3.0.0",
			configSrv:  true,
			wantJournal: true,
		},
		{
			name:       "database-scoped dump on new enough version dumps users",
			hasDB:      true,
			dbName:     "mydb",
			version:    "3.0.0",
			wantUsers:  true,
		},
		{
			name:       "sharded cluster connector never gets the admin-db flag",
			hasDB:      false,
			version:    "4.2.0",
			hasAdmin:   true,
			replicaMem: true,
			sharded:    true,
			wantOplog:  true,
			wantAuthDB: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &fakeConnector{
				version:       tt.version,
				hasAdminUser:  tt.hasAdmin,
				configServer:  tt.configSrv,
				replicaMember: tt.replicaMem,
			}
			var connector model.Connector = base
			if tt.sharded {
				connector = &fakeShardedConnector{fakeConnector: base}
			}
			source := &fakeSource{hasDB: tt.hasDB, dbName: tt.dbName, uri: "mongodb://h"}
			b := &model.Backup{Source: source}
			strat := &DumpStrategy{ForceTableScan: tt.forceScan}

			opts, _, err := strat.dumpOptions(context.Background(), b, connector)
			if err != nil {
				t.Fatalf("dumpOptions: %v", err)
			}
			if opts.Journal != tt.wantJournal {
				t.Errorf("Journal = %v, want %v", opts.Journal, tt.wantJournal)
			}
			if opts.Oplog != tt.wantOplog {
				t.Errorf("Oplog = %v, want %v", opts.Oplog, tt.wantOplog)
			}
			if opts.AuthenticationDatabaseAdmin != tt.wantAuthDB {
				t.Errorf("AuthenticationDatabaseAdmin = %v, want %v", opts.AuthenticationDatabaseAdmin, tt.wantAuthDB)
			}
			if opts.DumpDbUsersAndRoles != tt.wantUsers {
				t.Errorf("DumpDbUsersAndRoles = %v, want %v", opts.DumpDbUsersAndRoles, tt.wantUsers)
			}
		})
	}
}

func TestAppendDatabaseToURI(t *testing.T) {
	tests := []struct {
		uri, db, want string
	}{
		{"mongodb://h:27017", "mydb", "mongodb://h:27017/mydb"},
		{"mongodb://h:27017?replicaSet=rs0", "mydb", "mongodb://h:27017/mydb?replicaSet=rs0"},
	}
	for _, tt := range tests {
		if got := appendDatabaseToURI(tt.uri, tt.db); got != tt.want {
			t.Errorf("appendDatabaseToURI(%q, %q) = %q, want %q", tt.uri, tt.db, got, tt.want)
		}
	}
}
