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

// Package mount chooses between a bind and an overlay mount for a
// volume and performs and reverses that mount idempotently.
package mount

import (
	"context"
	"os"

	"github.com/go-logr/logr"
	k8smount "k8s.io/mount-utils"

	"github.com/nix-community/nix-csi-driver/internal/driver/driverrors"
	"github.com/nix-community/nix-csi-driver/internal/driver/subprocess"
)

// alreadyMountedExitCode is the mount(8) exit code the source treats as
// "already mounted", and therefore success.
const alreadyMountedExitCode = 32

// Manager performs and reverses bind/overlay mounts for volumes.
type Manager struct {
	runner  subprocess.Runner
	checker k8smount.Interface
}

// New returns a Manager. checker is used only to probe whether a path is
// already a mountpoint; the actual mount/unmount calls go through the
// subprocess runner so the exit-code-32 idempotence convention can be
// honored precisely.
func New() *Manager {
	return &Manager{checker: k8smount.New("")}
}

// Target describes what to mount, derived from a volume descriptor.
type Target struct {
	// VolumeNix is "<volumeRoot>/nix", used as the overlay lowerdir or
	// the bind-mount source.
	VolumeNix string
	// UpperDir and WorkDir back an overlay mount; required when
	// ReadOnly is false.
	UpperDir, WorkDir string
	// TargetPath is the caller-supplied mount destination.
	TargetPath string
	ReadOnly   bool
}

// Publish mounts Target at TargetPath, creating the target directory if
// absent. If the target is already mounted (exit code 32, or an
// existing mountpoint) this is a no-op success.
func (m *Manager) Publish(ctx context.Context, logger logr.Logger, t Target) error {
	if err := os.MkdirAll(t.TargetPath, 0o755); err != nil {
		return driverrors.Internal("could not create target path %q: %v", t.TargetPath, err)
	}

	isMnt, err := m.checker.IsMountPoint(t.TargetPath)
	if err != nil {
		return driverrors.Internal("could not check mountpoint state of %q: %v", t.TargetPath, err)
	}
	if isMnt {
		return nil
	}

	args := mountArgs(t)
	result, err := m.runner.Run(ctx, subprocess.Console, logger, 0, args...)
	if err != nil {
		return driverrors.Internal("could not run mount: %v", err)
	}

	switch {
	case result.ExitCode == alreadyMountedExitCode:
		logger.V(1).Info("mount target was already mounted", "target_path", t.TargetPath)
		return nil
	case result.ExitCode != 0:
		return driverrors.Internal("mount failed (exit %d): %s", result.ExitCode, result.Combined)
	default:
		return nil
	}
}

// Unpublish unmounts TargetPath if it is currently a mountpoint. It is
// idempotent: if nothing is mounted there, it succeeds without side
// effects. If the unmount tool reports failure but the path is no
// longer a mountpoint by the time it returns, that is also treated as
// success.
func (m *Manager) Unpublish(ctx context.Context, logger logr.Logger, targetPath string) error {
	isMnt, err := m.checker.IsMountPoint(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return driverrors.Internal("could not check mountpoint state of %q: %v", targetPath, err)
	}
	if !isMnt {
		return nil
	}

	result, err := m.runner.Run(ctx, subprocess.Console, logger, 0, "umount", "--verbose", targetPath)
	if err != nil {
		return driverrors.Internal("could not run umount: %v", err)
	}
	if result.ExitCode == 0 {
		return nil
	}

	stillMounted, checkErr := m.checker.IsMountPoint(targetPath)
	if checkErr == nil && !stillMounted {
		return nil
	}
	return driverrors.Internal("umount failed (exit %d): %s", result.ExitCode, result.Combined)
}

func mountArgs(t Target) []string {
	if t.ReadOnly {
		return []string{"mount", "--verbose", "--bind", "-o", "ro", t.VolumeNix, t.TargetPath}
	}
	opts := "rw,lowerdir=" + t.VolumeNix + ",upperdir=" + t.UpperDir + ",workdir=" + t.WorkDir
	return []string{"mount", "--verbose", "-t", "overlay", "overlay", "-o", opts, t.TargetPath}
}
