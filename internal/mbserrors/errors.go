// Package mbserrors implements the closed error taxonomy and retry
// classifier (spec component C1). Errors are represented as a single tagged
// struct rather than a class hierarchy: Kind carries the taxonomy, matching
// §9's "closed tagged variant" design note applied to errors.
package mbserrors

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Kind is one leaf of the §7 error taxonomy.
type Kind string

const (
	KindConfiguration Kind = "Configuration"

	KindConnection        Kind = "Connection"
	KindAuthentication    Kind = "Authentication"
	KindReplicaset        Kind = "Replicaset"
	KindPrimaryNotFound   Kind = "PrimaryNotFound"
	KindNoEligibleMembers Kind = "NoEligibleMembers"

	// Dump sub-taxonomy, classified by ClassifyDumpError (§4.5).
	KindBadCollectionName    Kind = "BadCollectionName"
	KindInvalidBSONObjSize   Kind = "InvalidBSONObjSize"
	KindCappedCursorOverrun  Kind = "CappedCursorOverrun"
	KindInvalidDBName        Kind = "InvalidDBName"
	KindBadType              Kind = "BadType"
	KindMongoctlConnection   Kind = "MongoctlConnection"
	KindCursorDoesNotExist   Kind = "CursorDoesNotExist"
	KindExhaustReceive       Kind = "ExhaustReceive"
	KindDumpConnectivity     Kind = "DumpConnectivity"
	KindDBClientCursorFail   Kind = "DBClientCursorFail"
	KindDump                 Kind = "Dump"

	KindArchive           Kind = "Archive"
	KindExtract           Kind = "Extract"
	KindWorkspaceCreation Kind = "WorkspaceCreation"

	KindTargetInaccessible             Kind = "TargetInaccessible"
	KindTargetConnection               Kind = "TargetConnection"
	KindTargetUpload                   Kind = "TargetUpload"
	KindTargetUploadedFileAlreadyExist Kind = "TargetUploadedFileAlreadyExist"
	KindTargetUploadedFileDoesNotExist Kind = "TargetUploadedFileDoesNotExist"
	KindTargetUploadedFileSizeMismatch Kind = "TargetUploadedFileSizeMismatch"
	KindTargetDelete                   Kind = "TargetDelete"
	KindTargetFileNotFound             Kind = "TargetFileNotFound"

	KindBlockStorageSnapshot Kind = "BlockStorageSnapshot"
	KindVolume               Kind = "Volume"
	KindMongoLock            Kind = "MongoLock"
	KindSuspendIO            Kind = "SuspendIO"
	KindResumeIO             Kind = "ResumeIO"
	KindBalancerActive       Kind = "BalancerActive"

	KindSourceDataSizeExceedsLimits Kind = "SourceDataSizeExceedsLimits"
	KindBackupNotOnLocalhost        Kind = "BackupNotOnLocalhost"
	KindInvalidPlan                 Kind = "InvalidPlan"
	KindRestore                     Kind = "Restore"

	KindMBSApi Kind = "MBSApi"
)

// retriableKinds is the closed set of kinds the classifier treats as
// transient (§4.1, §7). Kinds absent from this set are terminal.
//
// BackupNotOnLocalhost is classified terminal here per §7's explicit
// table — see DESIGN.md for the rationale.
var retriableKinds = map[Kind]bool{
	KindConnection:        true,
	KindAuthentication:    true,
	KindReplicaset:        true,
	KindPrimaryNotFound:   true,
	KindNoEligibleMembers: true,

	KindInvalidBSONObjSize:  true,
	KindCappedCursorOverrun: true,
	KindBadType:             true,
	KindMongoctlConnection:  true,
	KindCursorDoesNotExist:  true,
	KindExhaustReceive:      true,
	KindDumpConnectivity:    true,
	KindDBClientCursorFail:  true,

	KindWorkspaceCreation: true,

	KindTargetInaccessible:             true,
	KindTargetConnection:               true,
	KindTargetUploadedFileDoesNotExist: true,
	KindTargetUploadedFileSizeMismatch: true,
	KindTargetDelete:                   true,

	KindBlockStorageSnapshot: true,
	KindVolume:               true,
	KindMongoLock:            true,
	KindSuspendIO:            true,
	KindResumeIO:             true,
	KindBalancerActive:       true,
}

// MBSError is the single concrete error type carrying a taxonomy Kind. Per
// §9's credential-safety rule, Dump/Restore errors must not retain the
// subprocess command or stderr; Cause is deliberately omitted for those
// kinds (ClassifyDumpError in dump.go puts the return code and last log line
// into Message instead).
type MBSError struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *MBSError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *MBSError) Unwrap() error { return e.Cause }

// New builds an MBSError of the given kind. op is the operation/phase name
// for log correlation (e.g. "fsynclock", "createSnapshot").
func New(kind Kind, op, message string) *MBSError {
	return &MBSError{Kind: kind, Op: op, Message: message}
}

// Wrap builds an MBSError that also chains a cause. Never use this for
// KindDump/KindRestore and their dump sub-kinds — build those with New or
// dump.go's ClassifyDumpError, which carry no cause.
func Wrap(kind Kind, op, message string, cause error) *MBSError {
	return &MBSError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// IsRetriable classifies err per §4.1/§7. Unrecognized errors fall back to a
// substring heuristic over common transient network/cloud-SDK signatures,
// mirroring the "connection failures (timeout/refused/reset/broken-pipe/
// closed)" and "Cloud-SDK 503 / ConcurrentTagAccess" clauses of §4.1.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var mbsErr *MBSError
	if errors.As(err, &mbsErr) {
		return retriableKinds[mbsErr.Kind]
	}

	msg := strings.ToLower(err.Error())
	for _, signature := range []string{
		"timeout", "timed out",
		"connection refused", "connection reset", "broken pipe",
		"use of closed network connection", "closed connection",
		"eof",
		"503", "service unavailable",
		"concurrenttagaccess",
	} {
		if strings.Contains(msg, signature) {
			return true
		}
	}
	return false
}

// RaiseIfNotRetriable logs and swallows retriable errors (the caller is
// expected to retry) and returns non-retriable errors unchanged so the
// caller re-raises them, per §4.1's raiseIfNotRetriable.
func RaiseIfNotRetriable(logger *slog.Logger, op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRetriable(err) {
		logger.Warn("transient error, will retry", "operation", op, "error", err)
		return nil
	}
	return err
}
