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

// Package materializer builds the per-volume sub-store: it computes the
// resolved artifact's transitive closure, hard-links it into a per-volume
// store, initializes the sub-store's own metadata database, and installs
// the in-sub-store garbage root and well-known result entry point. Every
// step is fatal on failure and triggers rollback.
package materializer

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
	"github.com/nix-community/nix-csi-driver/internal/driver/driverrors"
	"github.com/nix-community/nix-csi-driver/internal/driver/subprocess"
)

const closureCacheTTL = 60 * time.Second

// Materializer populates a per-volume sub-store from a resolved artifact
// path.
type Materializer struct {
	config config.Config
	runner subprocess.Runner

	// linkSemaphore limits the hard-linking step to at most one
	// concurrent invocation system-wide: the linking tool does not
	// tolerate concurrent invocations with overlapping trees.
	linkSemaphore *semaphore.Weighted

	closures *closureCache
}

// New returns a Materializer backed by cfg.
func New(cfg config.Config) *Materializer {
	return &Materializer{
		config:        cfg,
		linkSemaphore: semaphore.NewWeighted(1),
		closures:      newClosureCache(closureCacheTTL),
	}
}

// Materialize builds the sub-store for volumeID from artifactPath,
// installing the host garbage root at gcPath. On any failure it rolls
// back gcPath and the sub-store tree before returning the error.
func (m *Materializer) Materialize(ctx context.Context, logger logr.Logger, volumeID, gcPath, artifactPath string) error {
	volumeRoot := m.config.VolumeRoot(volumeID)
	stateDir := m.config.VolumeStateDir(volumeID)

	if err := m.materialize(ctx, logger, volumeID, gcPath, artifactPath, volumeRoot, stateDir); err != nil {
		m.rollback(logger, gcPath, volumeRoot)
		return err
	}
	return nil
}

func (m *Materializer) materialize(ctx context.Context, logger logr.Logger, volumeID, gcPath, artifactPath, volumeRoot, stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return driverrors.Internal("could not create sub-store state directory: %v", err)
	}

	closure, err := m.closure(ctx, logger, artifactPath)
	if err != nil {
		return err
	}

	if _, err := m.runner.Must(ctx, subprocess.Console, logger, 0,
		"nix", "build", "--out-link", gcPath, artifactPath); err != nil {
		return driverrors.Internal("could not install host garbage root: %v", err)
	}

	if err := m.linkClosure(ctx, logger, closure, m.config.VolumeStore(volumeID)); err != nil {
		return err
	}

	if _, err := m.runner.Must(ctx, subprocess.Console, logger, 0,
		append([]string{"nix_init_db", stateDir}, closure...)...); err != nil {
		return driverrors.Internal("could not initialize sub-store database: %v", err)
	}

	if _, err := m.runner.Must(ctx, subprocess.Console, logger, 0,
		"nix", "build", "--store", volumeRoot, "--out-link", m.config.VolumeGCRoot(volumeID), artifactPath); err != nil {
		return driverrors.Internal("could not install in-sub-store garbage root: %v", err)
	}

	if _, err := m.runner.Must(ctx, subprocess.Console, logger, 0,
		"nix", "build", "--store", volumeRoot, "--out-link", m.config.VolumeResultLink(volumeID), artifactPath); err != nil {
		return driverrors.Internal("could not install well-known result entry point: %v", err)
	}

	return nil
}

// closure returns the transitive closure of artifactPath as an ordered
// list of store paths, consulting the short-TTL closure cache first.
func (m *Materializer) closure(ctx context.Context, logger logr.Logger, artifactPath string) ([]string, error) {
	if cached, ok := m.closures.Get(artifactPath); ok {
		return cached, nil
	}

	result, err := m.runner.Must(ctx, subprocess.Captured, logger, 1,
		"nix", "path-info", "--recursive", artifactPath)
	if err != nil {
		return nil, driverrors.Internal("could not query closure of %q: %v", artifactPath, err)
	}

	closure := strings.Split(result.Stdout, "\n")
	m.closures.Set(artifactPath, closure)
	return closure, nil
}

// linkClosure hard-links closure into dest using a recursive archival
// copy that preserves symlinks and hard-links, creating missing
// parents. This is globally serialized to at most one concurrent
// invocation, since the linking tool does not tolerate concurrent
// invocations with overlapping trees.
func (m *Materializer) linkClosure(ctx context.Context, logger logr.Logger, closure []string, dest string) error {
	if err := m.linkSemaphore.Acquire(ctx, 1); err != nil {
		return driverrors.Internal("could not acquire closure-linking semaphore: %v", err)
	}
	defer m.linkSemaphore.Release(1)

	args := append([]string{
		"rsync",
		"--one-file-system",
		"--recursive",
		"--links",
		"--hard-links",
		"--mkpath",
	}, closure...)
	args = append(args, dest)

	if _, err := m.runner.Must(ctx, subprocess.Console, logger, 0, args...); err != nil {
		return driverrors.Internal("could not hard-link closure into sub-store: %v", err)
	}
	return nil
}

// rollback removes the host garbage root (best-effort) and recursively
// deletes the per-volume sub-store tree.
func (m *Materializer) rollback(logger logr.Logger, gcPath, volumeRoot string) {
	if err := os.Remove(gcPath); err != nil && !os.IsNotExist(err) {
		logger.V(1).Info("best-effort gcroot removal during rollback failed", "path", gcPath, "error", err.Error())
	}
	if err := os.RemoveAll(volumeRoot); err != nil {
		logger.Error(err, "rollback could not remove sub-store tree", "path", volumeRoot)
	}
}
