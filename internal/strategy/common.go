// Package strategy implements the backup/restore strategy variants (spec
// components C6-C9): plain mongodump, cloud block-storage snapshot, a
// hybrid that picks between the two, and the restore executor shared by
// both backup strategies.
package strategy

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/anthrax3/mongodb-backup-system/internal/model"
	"github.com/blang/semver"
)

// Event names shared across the dump/snapshot/restore phase sequences.
const (
	evStartExtract = "START_EXTRACT"
	evEndExtract   = "END_EXTRACT"
	evStartArchive = "START_ARCHIVE"
	evEndArchive   = "END_ARCHIVE"
	evStartUpload  = "START_UPLOAD"
	evEndUpload    = "END_UPLOAD"

	evStartBlockStorageSnapshot = "START_BLOCK_STORAGE_SNAPSHOT"
	evEndBlockStorageSnapshot   = "END_BLOCK_STORAGE_SNAPSHOT"
	evStartKickoffSnapshot      = "START_KICKOFF_SNAPSHOT"
	evEndKickoffSnapshot        = "END_KICKOFF_SNAPSHOT"
	evStartCreateSnapshot       = "START_CREATE_SNAPSHOT"
	evEndCreateSnapshot         = "END_CREATE_SNAPSHOT"
	evNotLocked                 = "NOT_LOCKED"

	evStartDownloadBackup = "START_DOWNLOAD_BACKUP"
	evEndDownloadBackup   = "END_DOWNLOAD_BACKUP"
	evStartExtractRestore = "START_EXTRACT_RESTORE"
	evEndExtractRestore   = "END_EXTRACT_RESTORE"
	evStartRestoreDump    = "START_RESTORE_DUMP"
	evEndRestoreDump      = "END_RESTORE_DUMP"
)

// Shared holds the settings propagated from a Hybrid strategy to its
// children (§4.7), and configures a standalone DumpStrategy or
// CloudBlockStorageStrategy directly when not wrapped by a Hybrid.
type Shared struct {
	MemberPreference model.MemberPreference
	MaxLagSeconds    float64
	BackupMode       model.BackupMode
	EnsureLocalhost  bool
	MaxDataSizeMB    float64

	// UseSuspendIO/UseFsynclock are *bool so "unset" (nil) is distinguishable
	// from an explicit false, matching the "only if not-null" propagation
	// rule of §4.7.
	UseSuspendIO *bool
	UseFsynclock *bool

	AllowOfflineBackups bool

	BackupNameScheme        string
	BackupDescriptionScheme string

	Assistant model.BackupAssistant
}

// versionAtLeast reports whether reported (e.g. "4.2.3") is >= min (e.g.
// "2.6.0"). An unparseable reported version is treated as not meeting the
// requirement rather than panicking, since version gating only unlocks
// optional flags.
func versionAtLeast(reported, min string) bool {
	v, err := semver.ParseTolerant(reported)
	if err != nil {
		return false
	}
	m, err := semver.ParseTolerant(min)
	if err != nil {
		return false
	}
	return v.GE(m)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// memberPreferences adapts Shared into the model.MemberPreferences the
// topology selector consumes.
func (s Shared) memberPreferences() model.MemberPreferences {
	return model.MemberPreferences{
		Preference:       s.MemberPreference,
		MaxLagSeconds:    s.MaxLagSeconds,
		AllowOffline:     s.AllowOfflineBackups,
		BackupModeOnline: s.BackupMode != model.ModeOffline,
	}
}

// defaultNameTemplate and defaultDescriptionTemplate are the naming scheme
// used when none is configured: "<name>-<date>".
const (
	defaultNameTemplate        = "{{.Name}}-{{.Date}}"
	defaultDescriptionTemplate = "Backup of {{.Name}} taken {{.Date}}"
)

// nameFields is the data made available to a naming-scheme template.
type nameFields struct {
	Name string
	Date string
}

// renderScheme runs tmpl (or its fallback, if tmpl is empty) against the
// backup's name and start date, implementing a template-based naming scheme.
func renderScheme(tmpl, fallback string, b *model.Backup) (string, error) {
	if tmpl == "" {
		tmpl = fallback
	}
	t, err := template.New("scheme").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing naming scheme: %w", err)
	}
	fields := nameFields{
		Name: b.Name,
		Date: b.StartDate.Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, fields); err != nil {
		return "", fmt.Errorf("rendering naming scheme: %w", err)
	}
	return buf.String(), nil
}

func (s Shared) generatedName(b *model.Backup) (string, error) {
	return renderScheme(s.BackupNameScheme, defaultNameTemplate, b)
}

func (s Shared) generatedDescription(b *model.Backup) (string, error) {
	return renderScheme(s.BackupDescriptionScheme, defaultDescriptionTemplate, b)
}

// ensureNameAndDescription fills in b.Name/b.Description from the scheme if
// they are not already set, persisting the result through deps.Store.
func ensureNameAndDescription(ctx context.Context, b *model.Backup, s Shared, deps model.StrategyDeps) error {
	update := model.TaskUpdate{}
	changed := false

	if b.Name == "" {
		name, err := s.generatedName(b)
		if err != nil {
			return err
		}
		b.Name = name
		update.Name = &b.Name
		changed = true
	}
	if b.Description == "" {
		desc, err := s.generatedDescription(b)
		if err != nil {
			return err
		}
		b.Description = desc
		update.Description = &b.Description
		changed = true
	}

	if !changed {
		return nil
	}
	return deps.Store.UpdateBackup(ctx, b, update)
}
