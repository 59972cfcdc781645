package strategy

import (
	"context"
	"testing"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

func TestDataSizePredicate_ChooseStrategy(t *testing.T) {
	tests := []struct {
		name      string
		dataSize  float64 // bytes
		hasCBS    bool
		maxMB     float64
		want      string
	}{
		{"small dataset picks dump", 10 * 1024 * 1024, true, 100, "DumpStrategy"},
		{"large dataset with cbs picks snapshot", 200 * 1024 * 1024, true, 100, "CloudBlockStorageStrategy"},
		{"large dataset without cbs falls back to dump", 200 * 1024 * 1024, false, 100, "DumpStrategy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connector := &fakeConnector{address: "h:27017", stats: map[string]any{"dataSize": tt.dataSize}}
			source := &fakeSource{hasCBS: tt.hasCBS}
			b := &model.Backup{Source: source}
			p := DataSizePredicate{DumpMaxDataSizeMB: tt.maxMB}

			got, err := p.ChooseStrategy(context.Background(), b, connector, testLoggerStrategy())
			if err != nil {
				t.Fatalf("ChooseStrategy: %v", err)
			}
			if got != tt.want {
				t.Errorf("ChooseStrategy() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHybridStrategy_ResolveChild_PersistsChoiceOnce(t *testing.T) {
	connector := &fakeConnector{address: "h:27017", online: true, stats: map[string]any{"dataSize": float64(1)}}
	source := &fakeSource{connector: connector}
	b := &model.Backup{Source: source}
	assistant := &fakeAssistant{}
	store := &fakeStore{}
	deps := newTestDeps(store, assistant)

	hybrid := &HybridStrategy{
		Dump:      &DumpStrategy{},
		Snapshot:  &CloudBlockStorageStrategy{},
		Predicate: DataSizePredicate{},
	}

	child, err := hybrid.resolveChild(context.Background(), b, deps)
	if err != nil {
		t.Fatalf("resolveChild: %v", err)
	}
	if child.Type() != "DumpStrategy" {
		t.Errorf("child.Type() = %q, want DumpStrategy", child.Type())
	}
	if !b.Events.Has(evSelectedStrategyType) {
		t.Error("expected the chosen strategy type to be logged")
	}

	// A second call must reuse the persisted choice rather than re-run the
	// predicate (b.Events already carries evSelectedStrategyType).
	child2, err := hybrid.resolveChild(context.Background(), b, deps)
	if err != nil {
		t.Fatalf("resolveChild (second call): %v", err)
	}
	if child2.Type() != "DumpStrategy" {
		t.Errorf("second resolveChild = %q, want DumpStrategy", child2.Type())
	}
}

func TestHybridStrategy_ResolveChild_OfflineForcesSnapshot(t *testing.T) {
	connector := &fakeConnector{address: "h:27017", online: false}
	source := &fakeSource{connector: connector}
	b := &model.Backup{Source: source}
	deps := newTestDeps(&fakeStore{}, &fakeAssistant{})

	hybrid := &HybridStrategy{
		Shared:    Shared{AllowOfflineBackups: true},
		Dump:      &DumpStrategy{},
		Snapshot:  &CloudBlockStorageStrategy{},
		Predicate: DataSizePredicate{},
	}

	child, err := hybrid.resolveChild(context.Background(), b, deps)
	if err != nil {
		t.Fatalf("resolveChild: %v", err)
	}
	if child.Type() != "CloudBlockStorageStrategy" {
		t.Errorf("child.Type() = %q, want CloudBlockStorageStrategy", child.Type())
	}
}

func TestHybridStrategy_PropagateShared_OnlyIfSet(t *testing.T) {
	trueVal := true
	hybrid := &HybridStrategy{
		Shared: Shared{MemberPreference: model.PreferBest, UseSuspendIO: &trueVal},
		Dump:   &DumpStrategy{Shared: Shared{UseFsynclock: boolPtr(false)}},
	}
	hybrid.propagateShared(hybrid.Dump)

	if hybrid.Dump.MemberPreference != model.PreferBest {
		t.Errorf("MemberPreference not propagated")
	}
	if hybrid.Dump.UseSuspendIO == nil || *hybrid.Dump.UseSuspendIO != true {
		t.Errorf("UseSuspendIO not propagated from hybrid")
	}
	if hybrid.Dump.UseFsynclock == nil || *hybrid.Dump.UseFsynclock != false {
		t.Errorf("UseFsynclock should keep the child's own setting since the hybrid left it unset")
	}
}

func boolPtr(b bool) *bool { return &b }
