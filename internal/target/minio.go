// Package target implements model.Target against an S3-compatible object
// store using the MinIO client.
package target

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// MinioTarget uploads/deletes backup artifacts in a single bucket.
type MinioTarget struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	client *minio.Client
}

func (t *MinioTarget) conn() (*minio.Client, error) {
	if t.client != nil {
		return t.client, nil
	}
	c, err := minio.New(t.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(t.AccessKey, t.SecretKey, ""),
		Secure: t.UseSSL,
	})
	if err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindTargetConnection, "newClient", "constructing minio client for "+t.Endpoint, err)
	}
	t.client = c
	return c, nil
}

// PutFile uploads localPath to destinationPath, refusing to clobber an
// existing object unless overwriteExisting is set (§6 Target contract).
func (t *MinioTarget) PutFile(ctx context.Context, localPath, destinationPath string, overwriteExisting bool) (model.TargetRef, error) {
	client, err := t.conn()
	if err != nil {
		return model.TargetRef{}, err
	}

	if !overwriteExisting {
		if _, err := client.StatObject(ctx, t.Bucket, destinationPath, minio.StatObjectOptions{}); err == nil {
			return model.TargetRef{}, mbserrors.New(mbserrors.KindTargetUploadedFileAlreadyExist, "putFile",
				destinationPath+" already exists on target and overwriteExisting is false")
		}
	}

	info, err := client.FPutObject(ctx, t.Bucket, destinationPath, localPath, minio.PutObjectOptions{})
	if err != nil {
		return model.TargetRef{}, mbserrors.Wrap(mbserrors.KindTargetUpload, "putFile", "uploading "+localPath+" to "+destinationPath, err)
	}

	return model.TargetRef{ID: refID(), Path: destinationPath, Size: info.Size}, nil
}

// DeleteFile removes ref.Path from the bucket; a missing object is not an
// error (best-effort cleanup of stale references).
func (t *MinioTarget) DeleteFile(ctx context.Context, ref model.TargetRef) error {
	client, err := t.conn()
	if err != nil {
		return err
	}
	if err := client.RemoveObject(ctx, t.Bucket, ref.Path, minio.RemoveObjectOptions{}); err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil
		}
		return mbserrors.Wrap(mbserrors.KindTargetDelete, "deleteFile", "deleting "+ref.Path, err)
	}
	return nil
}

// refID generates an opaque handle distinct from the object path, mirroring
// how a real object store's returned ETag/version differs from the key.
func refID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
