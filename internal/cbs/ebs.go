// Package cbs implements model.CloudBlockStorage: an EBS-backed single
// volume, and a composite that fans out across several (the LVM-style
// multi-volume case).
package cbs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/anthrax3/mongodb-backup-system/internal/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/internal/model"
)

// EbsVolumeStorage is a single EBS volume's CloudBlockStorage: CreateSnapshot
// kicks off an asynchronous AWS snapshot with no synchronous wait — status is
// instead polled separately by the snapshot strategy's waitForTerminal — and
// SuspendIO/ResumeIO freeze/unfreeze the mounted filesystem with fsfreeze.
type EbsVolumeStorage struct {
	VolumeID   string
	Region     string
	Mount      string
	AccessKey  string
	SecretKey  string

	client *ec2.Client
}

func (s *EbsVolumeStorage) Type() string      { return "EbsVolumeStorage" }
func (s *EbsVolumeStorage) MountPoint() string { return s.Mount }

func (s *EbsVolumeStorage) ec2Client(ctx context.Context) (*ec2.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(s.Region))
	if s.AccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindConfiguration, "ec2Client", "loading AWS config", err)
	}
	s.client = ec2.NewFromConfig(cfg)
	return s.client, nil
}

// CreateSnapshot kicks off an EBS snapshot for VolumeID, tagged with name,
// and returns its initial (pending) reference.
func (s *EbsVolumeStorage) CreateSnapshot(ctx context.Context, name, description string) (*model.SnapshotRef, error) {
	client, err := s.ec2Client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    &s.VolumeID,
		Description: &description,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeSnapshot,
			Tags:         []types.Tag{{Key: strPtr("Name"), Value: &name}},
		}},
	})
	if err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "createSnapshot", "creating EBS snapshot for volume "+s.VolumeID, err)
	}

	return s.toRef(out.SnapshotId, out.State, out.StartTime, out.VolumeSize, out.Progress), nil
}

// DeleteSnapshot deletes an EBS snapshot idempotently; a "does not exist"
// error is swallowed rather than propagated.
func (s *EbsVolumeStorage) DeleteSnapshot(ctx context.Context, ref *model.SnapshotRef) error {
	client, err := s.ec2Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: &ref.ID})
	if err != nil {
		var apiErr smithyAPIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidSnapshot.NotFound" {
			return nil
		}
		return mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "deleteSnapshot", "deleting snapshot "+ref.ID, err)
	}
	return nil
}

// smithyAPIError is the minimal surface needed to recognize AWS error codes
// without importing the smithy package directly into this small file.
type smithyAPIError interface {
	error
	ErrorCode() string
}

// CheckSnapshotUpdates re-describes the snapshot and returns a fresh
// reference; the caller (waitForTerminal) diffs it against the prior one.
func (s *EbsVolumeStorage) CheckSnapshotUpdates(ctx context.Context, ref *model.SnapshotRef) (*model.SnapshotRef, error) {
	client, err := s.ec2Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{ref.ID}})
	if err != nil {
		return nil, mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "describeSnapshots", "describing snapshot "+ref.ID, err)
	}
	if len(out.Snapshots) == 0 {
		return nil, mbserrors.New(mbserrors.KindBlockStorageSnapshot, "describeSnapshots", "snapshot "+ref.ID+" not found")
	}
	snap := out.Snapshots[0]
	return s.toRef(snap.SnapshotId, snap.State, snap.StartTime, snap.VolumeSize, snap.Progress), nil
}

func (s *EbsVolumeStorage) toRef(id *string, state types.SnapshotState, start *time.Time, volSize *int32, progress *string) *model.SnapshotRef {
	ref := &model.SnapshotRef{ID: deref(id), Status: ebsStatus(state)}
	if start != nil {
		ref.StartTime = *start
	}
	if volSize != nil {
		ref.VolumeSize = int64(*volSize) * 1024 * 1024 * 1024
	}
	if progress != nil {
		ref.Progress = *progress
	}
	return ref
}

func ebsStatus(state types.SnapshotState) model.SnapshotStatus {
	switch state {
	case types.SnapshotStateCompleted:
		return model.SnapshotCompleted
	case types.SnapshotStateError:
		return model.SnapshotError
	default:
		return model.SnapshotPending
	}
}

// ShareSnapshot grants view/createVolume permission to users/groups,
// implementing model.SnapshotSharer (§4.6's EBS sharing specialization).
func (s *EbsVolumeStorage) ShareSnapshot(ctx context.Context, ref *model.SnapshotRef, users, groups []string) error {
	client, err := s.ec2Client(ctx)
	if err != nil {
		return err
	}

	var add []types.CreateVolumePermission
	for _, u := range users {
		u := u
		add = append(add, types.CreateVolumePermission{UserId: &u})
	}
	for _, g := range groups {
		add = append(add, types.CreateVolumePermission{Group: types.PermissionGroup(g)})
	}
	if len(add) == 0 {
		return nil
	}

	_, err = client.ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
		SnapshotId: &ref.ID,
		Attribute:  types.SnapshotAttributeNameCreateVolumePermission,
		CreateVolumePermission: &types.CreateVolumePermissionModifications{
			Add: add,
		},
	})
	if err != nil {
		return mbserrors.Wrap(mbserrors.KindBlockStorageSnapshot, "shareSnapshot", "sharing snapshot "+ref.ID, err)
	}
	return nil
}

// SuspendIO freezes the mounted filesystem by shelling out to fsfreeze.
func (s *EbsVolumeStorage) SuspendIO(ctx context.Context) error {
	if err := runFreezeCommand(ctx, "fsfreeze", "--freeze", s.Mount); err != nil {
		return mbserrors.Wrap(mbserrors.KindSuspendIO, "suspendIO", "freezing "+s.Mount, err)
	}
	return nil
}

func (s *EbsVolumeStorage) ResumeIO(ctx context.Context) error {
	if err := runFreezeCommand(ctx, "fsfreeze", "--unfreeze", s.Mount); err != nil {
		return mbserrors.Wrap(mbserrors.KindResumeIO, "resumeIO", "unfreezing "+s.Mount, err)
	}
	return nil
}

func runFreezeCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, string(out))
	}
	return nil
}

func strPtr(s string) *string { return &s }
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
