// Package assistant implements model.BackupAssistant against the local
// host: mongodump/mongorestore/tar subprocess invocation, workspace
// management under a temp directory, and upload fan-out across a backup's
// primary and secondary targets.
package assistant

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// LocalAssistant shells out to mongodump/mongorestore and archives/uploads
// the result, one workspace directory per task.
type LocalAssistant struct {
	// WorkspaceRoot is the parent directory task workspaces are created
	// under. Defaults to os.TempDir().
	WorkspaceRoot string

	Logger *slog.Logger
}

func (a *LocalAssistant) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *LocalAssistant) root() string {
	if a.WorkspaceRoot != "" {
		return a.WorkspaceRoot
	}
	return os.TempDir()
}

func (a *LocalAssistant) CreateTaskWorkspace(ctx context.Context, t *model.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	dir := filepath.Join(a.root(), "mbs-"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", mbserrors.Wrap(mbserrors.KindWorkspaceCreation, "createTaskWorkspace", "creating "+dir, err)
	}
	t.Workspace = dir
	return dir, nil
}

func (a *LocalAssistant) DeleteTaskWorkspace(ctx context.Context, t *model.Task) error {
	if t.Workspace == "" {
		return nil
	}
	return os.RemoveAll(t.Workspace)
}

// IsConnectorLocalToAssistant compares the connector's address against the
// host's local interfaces (§4.4's BackupNotOnLocalhost check).
func (a *LocalAssistant) IsConnectorLocalToAssistant(ctx context.Context, c model.Connector, t *model.Task) (bool, error) {
	host, _, err := net.SplitHostPort(c.Address())
	if err != nil {
		host = c.Address()
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true, nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return false, nil
	}
	localAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false, err
	}
	for _, ip := range ips {
		for _, addr := range localAddrs {
			ipNet, ok := addr.(*net.IPNet)
			if ok && ipNet.IP.Equal(ip) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (a *LocalAssistant) SuspendIO(ctx context.Context, t *model.Task, c model.Connector, cbs model.CloudBlockStorage) error {
	return cbs.SuspendIO(ctx)
}

func (a *LocalAssistant) ResumeIO(ctx context.Context, t *model.Task, c model.Connector, cbs model.CloudBlockStorage) error {
	return cbs.ResumeIO(ctx)
}

// DumpBackup shells out to mongodump, translating model.DumpOptions into its
// flag set (§4.5).
func (a *LocalAssistant) DumpBackup(ctx context.Context, t *model.Task, uri, destDir, logFile string, opts model.DumpOptions) error {
	args := []string{"--uri", uri, "--out", destDir}
	if opts.Journal {
		args = append(args, "--journal")
	}
	if opts.ForceTableScan {
		args = append(args, "--forceTableScan")
	}
	if opts.Oplog {
		args = append(args, "--oplog")
	}
	if opts.AuthenticationDatabaseAdmin {
		args = append(args, "--authenticationDatabase", "admin")
	}
	if opts.DumpDbUsersAndRoles {
		args = append(args, "--dumpDbUsersAndRoles")
	}

	return runLogged(ctx, "mongodump", args, logFile)
}

// TarBackup archives dir into a gzip-compressed tarball at tarPath.
func (a *LocalAssistant) TarBackup(ctx context.Context, t *model.Task, dir, tarPath string) error {
	out, err := os.Create(tarPath)
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindArchive, "tarBackup", "creating "+tarPath, err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindArchive, "tarBackup", "archiving "+dir, err)
	}
	return nil
}

// UploadBackup uploads tarPath to every target concurrently, mirroring the
// teacher's per-item goroutine + WaitGroup fan-out pattern. targets[0]'s ref
// comes back first in the returned slice regardless of completion order.
func (a *LocalAssistant) UploadBackup(ctx context.Context, t *model.Task, tarPath string, targets []model.Target, destinationPath string) ([]model.TargetRef, error) {
	refs := make([]model.TargetRef, len(targets))
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target model.Target) {
			defer wg.Done()
			ref, err := target.PutFile(ctx, tarPath, destinationPath, true)
			if err != nil {
				errs[i] = err
				return
			}
			refs[i] = ref
		}(i, target)
	}
	wg.Wait()

	if errs[0] != nil {
		return nil, errs[0]
	}
	for i := 1; i < len(errs); i++ {
		if errs[i] != nil {
			a.logger().Warn("upload to secondary target failed", "target_index", i, "error", errs[i])
		}
	}
	return refs, nil
}

func (a *LocalAssistant) UploadBackupLogFile(ctx context.Context, t *model.Task, logFile, dumpDir string, target model.Target, destinationPath string) (model.TargetRef, error) {
	if _, err := os.Stat(logFile); err != nil {
		return model.TargetRef{}, nil
	}
	return target.PutFile(ctx, logFile, destinationPath, true)
}

// DownloadRestoreSourceBackup streams the source archive's bytes to a local
// file. Targets don't expose a generic "get" in model.Target (only upload
// and delete, §6), so this relies on the ref's Path being a file:// or local
// path reachable from this host. The target argument is not used, so an
// archive held only on a remote target (e.g. the minio target) is not fetched.
func (a *LocalAssistant) DownloadRestoreSourceBackup(ctx context.Context, r *model.Restore, target model.Target, ref model.TargetRef, destDir string) (string, error) {
	srcPath := ref.Path
	if u, err := url.Parse(ref.Path); err == nil && u.Scheme == "file" {
		srcPath = u.Path
	}

	destPath := filepath.Join(destDir, filepath.Base(srcPath))
	src, err := os.Open(srcPath)
	if err != nil {
		return "", mbserrors.Wrap(mbserrors.KindTargetConnection, "downloadRestoreSourceBackup", "opening "+srcPath, err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return "", mbserrors.Wrap(mbserrors.KindTargetConnection, "downloadRestoreSourceBackup", "creating "+destPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", mbserrors.Wrap(mbserrors.KindTargetConnection, "downloadRestoreSourceBackup", "copying "+srcPath, err)
	}
	return destPath, nil
}

// ExtractRestoreSourceBackup un-tars archivePath into destDir/dump.
func (a *LocalAssistant) ExtractRestoreSourceBackup(ctx context.Context, r *model.Restore, archivePath, destDir string) (string, error) {
	dumpDir := filepath.Join(destDir, "dump")
	if err := os.MkdirAll(dumpDir, 0o755); err != nil {
		return "", mbserrors.Wrap(mbserrors.KindExtract, "extractRestoreSourceBackup", "creating "+dumpDir, err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", mbserrors.Wrap(mbserrors.KindExtract, "extractRestoreSourceBackup", "opening "+archivePath, err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return "", mbserrors.Wrap(mbserrors.KindExtract, "extractRestoreSourceBackup", "reading gzip header", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", mbserrors.Wrap(mbserrors.KindExtract, "extractRestoreSourceBackup", "reading tar entry", err)
		}

		target := filepath.Join(dumpDir, header.Name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return "", err
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return "", err
			}
		}
	}
	return dumpDir, nil
}

// RunMongoRestore shells out to mongorestore, translating model.RestoreOptions
// into its flag set (§4.8).
func (a *LocalAssistant) RunMongoRestore(ctx context.Context, r *model.Restore, destURI, dumpDir, srcDB, logFile, srcLogFile string, deleteOldAdminUsersFile, deleteOldUsersFile bool, opts model.RestoreOptions) error {
	if deleteOldAdminUsersFile {
		_ = os.Remove(filepath.Join(dumpDir, "admin", "system.users.bson"))
	}
	if deleteOldUsersFile && srcDB != "" {
		_ = os.Remove(filepath.Join(dumpDir, srcDB, "system.users.bson"))
	}

	args := []string{"--uri", destURI, "--dir", dumpDir}
	if opts.OplogReplay {
		args = append(args, "--oplogReplay")
	}
	if opts.AuthenticationDatabaseAdmin {
		args = append(args, "--authenticationDatabase", "admin")
	}
	if opts.RestoreDbUsersAndRoles {
		args = append(args, "--restoreDbUsersAndRoles")
	}
	if opts.NoIndexRestore {
		args = append(args, "--noIndexRestore")
	}

	return runLogged(ctx, "mongorestore", args, logFile)
}

func runLogged(ctx context.Context, name string, args []string, logFile string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	out, err := os.Create(logFile)
	if err != nil {
		return fmt.Errorf("creating log file %s: %w", logFile, err)
	}
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}
