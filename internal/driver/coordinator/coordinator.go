/*
Copyright 2024 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package coordinator drives a volume through its lifecycle: resolve
// the tagged content reference, materialize its closure into a
// per-volume sub-store, mount it at the caller's target path, and
// dispatch an optional async cache upload. It is the single place that
// holds the per-volume-id lock and the volume's state.
package coordinator

import (
	"context"
	"os"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
	"github.com/nix-community/nix-csi-driver/internal/driver/descriptor"
	"github.com/nix-community/nix-csi-driver/internal/driver/driverrors"
	"github.com/nix-community/nix-csi-driver/internal/driver/keyedmutex"
	"github.com/nix-community/nix-csi-driver/internal/driver/materializer"
	"github.com/nix-community/nix-csi-driver/internal/driver/mount"
	"github.com/nix-community/nix-csi-driver/internal/driver/resolver"
	"github.com/nix-community/nix-csi-driver/internal/driver/uploader"
)

// state is a volume's position in its publish lifecycle.
type state int

const (
	absent state = iota
	resolving
	materializing
	mounting
	published
)

func (s state) String() string {
	switch s {
	case absent:
		return "absent"
	case resolving:
		return "resolving"
	case materializing:
		return "materializing"
	case mounting:
		return "mounting"
	case published:
		return "published"
	default:
		return "unknown"
	}
}

// PublishRequest carries what NodePublishVolume needs to hand the
// coordinator, already lifted out of the raw CSI request.
type PublishRequest struct {
	VolumeID      string
	TargetPath    string
	ReadOnly      bool
	VolumeContext map[string]string
}

// volumeRecord tracks the last known published state of a volume, kept
// only so repeated identical publish/unpublish calls can be recognized
// as idempotent no-ops.
type volumeRecord struct {
	state      state
	targetPath string
	readOnly   bool
}

// Coordinator orchestrates resolution, materialization, mounting and
// upload dispatch for each volume, serialized per volume id.
type Coordinator struct {
	config       config.Config
	locks        keyedmutex.Map[string]
	resolver     *resolver.Resolver
	materializer *materializer.Materializer
	mounts       *mount.Manager
	uploader     *uploader.Uploader

	mu      sync.Mutex
	volumes map[string]*volumeRecord
}

// New returns a Coordinator wiring together the resolver, materializer,
// mount manager and uploader for cfg.
func New(cfg config.Config, r *resolver.Resolver, m *materializer.Materializer, mnt *mount.Manager, u *uploader.Uploader) *Coordinator {
	return &Coordinator{
		config:       cfg,
		resolver:     r,
		materializer: m,
		mounts:       mnt,
		uploader:     u,
		volumes:      make(map[string]*volumeRecord),
	}
}

// Publish drives req's volume through RESOLVING, MATERIALIZING,
// MOUNTING and into PUBLISHED. Any failure along the way rolls the
// volume's on-disk state back to ABSENT and returns an error; the
// volume can be retried from scratch afterward. A request that exactly
// repeats a previously published volume's target path and mode is a
// no-op success.
func (c *Coordinator) Publish(ctx context.Context, logger logr.Logger, req PublishRequest) error {
	unlock := c.locks.Lock(req.VolumeID)
	defer unlock()

	logger = logger.WithValues("volume_id", req.VolumeID)

	if rec := c.recordOf(req.VolumeID); rec != nil && rec.state == published {
		if rec.targetPath == req.TargetPath && rec.readOnly == req.ReadOnly {
			logger.V(1).Info("volume already published at this target, treating as idempotent no-op")
			return nil
		}
		return driverrors.BadRequest("volume %q is already published at %q, cannot republish at %q", req.VolumeID, rec.targetPath, req.TargetPath)
	}

	ref, err := descriptor.Parse(config.System, req.VolumeContext)
	if err != nil {
		return driverrors.BadRequest("%v", err)
	}

	c.setRecord(req.VolumeID, &volumeRecord{state: resolving, targetPath: req.TargetPath, readOnly: req.ReadOnly})

	gcPath := c.config.HostGCRoot(req.VolumeID)
	if err := os.MkdirAll(c.config.CSIGCRoots(), 0o755); err != nil {
		c.clearRecord(req.VolumeID)
		return driverrors.Internal("could not create host garbage root directory: %v", err)
	}

	artifactPath, err := c.resolver.Resolve(ctx, logger, gcPath, ref)
	if err != nil {
		c.clearRecord(req.VolumeID)
		return err
	}

	c.setRecord(req.VolumeID, &volumeRecord{state: materializing, targetPath: req.TargetPath, readOnly: req.ReadOnly})

	if err := c.materializer.Materialize(ctx, logger, req.VolumeID, gcPath, artifactPath); err != nil {
		c.clearRecord(req.VolumeID)
		return err
	}

	c.setRecord(req.VolumeID, &volumeRecord{state: mounting, targetPath: req.TargetPath, readOnly: req.ReadOnly})

	target := mount.Target{
		VolumeNix:  c.config.VolumeNix(req.VolumeID),
		UpperDir:   c.config.VolumeUpperDir(req.VolumeID),
		WorkDir:    c.config.VolumeWorkDir(req.VolumeID),
		TargetPath: req.TargetPath,
		ReadOnly:   req.ReadOnly,
	}
	if !req.ReadOnly {
		if err := os.MkdirAll(target.UpperDir, 0o755); err != nil {
			c.rollback(logger, req.VolumeID, gcPath)
			return driverrors.Internal("could not create overlay upper directory: %v", err)
		}
		if err := os.MkdirAll(target.WorkDir, 0o755); err != nil {
			c.rollback(logger, req.VolumeID, gcPath)
			return driverrors.Internal("could not create overlay work directory: %v", err)
		}
	}

	if err := c.mounts.Publish(ctx, logger, target); err != nil {
		c.rollback(logger, req.VolumeID, gcPath)
		return err
	}

	c.setRecord(req.VolumeID, &volumeRecord{state: published, targetPath: req.TargetPath, readOnly: req.ReadOnly})

	if c.uploader != nil {
		c.uploader.UploadAsync(ctx, logger, artifactPath)
	}

	return nil
}

// Unpublish unmounts the volume's target path, deletes its host garbage
// root and per-volume sub-store tree, and forgets its record.
// Unpublishing a volume with no known state succeeds without side
// effects, matching the CSI idempotence contract.
func (c *Coordinator) Unpublish(ctx context.Context, logger logr.Logger, volumeID, targetPath string) error {
	unlock := c.locks.Lock(volumeID)
	defer unlock()

	logger = logger.WithValues("volume_id", volumeID)

	if err := c.mounts.Unpublish(ctx, logger, targetPath); err != nil {
		return err
	}

	if err := os.Remove(c.config.HostGCRoot(volumeID)); err != nil && !os.IsNotExist(err) {
		c.clearRecord(volumeID)
		return driverrors.Internal("could not remove host garbage root: %v", err)
	}

	if err := os.RemoveAll(c.config.VolumeRoot(volumeID)); err != nil {
		c.clearRecord(volumeID)
		return driverrors.Internal("could not remove sub-store tree: %v", err)
	}

	c.clearRecord(volumeID)
	return nil
}

func (c *Coordinator) recordOf(volumeID string) *volumeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumes[volumeID]
}

func (c *Coordinator) setRecord(volumeID string, rec *volumeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumes[volumeID] = rec
}

func (c *Coordinator) clearRecord(volumeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.volumes, volumeID)
}

// rollback tears down everything Publish may have left behind for
// volumeID and clears its record, returning the volume to ABSENT.
func (c *Coordinator) rollback(logger logr.Logger, volumeID, gcPath string) {
	if err := os.Remove(gcPath); err != nil && !os.IsNotExist(err) {
		logger.V(1).Info("best-effort gcroot removal during rollback failed", "path", gcPath, "error", err.Error())
	}
	if err := os.RemoveAll(c.config.VolumeRoot(volumeID)); err != nil {
		logger.Error(err, "rollback could not remove sub-store tree", "volume_id", volumeID)
	}
	c.clearRecord(volumeID)
}
