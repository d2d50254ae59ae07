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

// Package janitor purges stale per-volume state left behind by a node
// reboot. A host reboot invalidates every bind/overlay
// mount the plugin previously installed without giving the plugin a
// chance to clean them up, so any state discovered after a reboot is
// assumed to be garbage.
package janitor

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
)

const procStatPath = "/proc/stat"

// Janitor compares the kernel's boot time against a snapshot taken on
// the previous run and purges per-volume state on mismatch.
type Janitor struct {
	config       config.Config
	procStatPath string
}

// New returns a Janitor backed by cfg.
func New(cfg config.Config) *Janitor {
	return &Janitor{config: cfg, procStatPath: procStatPath}
}

// RunOnce compares the current boot time against the snapshot recorded
// by a previous run. On first run, a missing or corrupt snapshot, or a
// boot time mismatch, it purges CSI_VOLUMES and CSI_GCROOTS and
// recreates them empty, then writes a fresh snapshot. This must be
// called to completion before the gRPC server begins accepting
// connections.
func (j *Janitor) RunOnce(logger logr.Logger) error {
	current, err := readBootTime(j.procStatPath)
	if err != nil {
		return err
	}

	previous, err := readSnapshot(j.config.BootStatFile())
	if err != nil || previous != current {
		logger.Info("boot time changed or no prior snapshot found, purging stale volume state",
			"current_boot_time", current, "previous_boot_time", previous)
		if err := j.purge(); err != nil {
			return err
		}
	}

	return writeSnapshot(j.procStatPath, j.config.BootStatFile())
}

func (j *Janitor) purge() error {
	if err := os.RemoveAll(j.config.CSIVolumes()); err != nil {
		return err
	}
	if err := os.RemoveAll(j.config.CSIGCRoots()); err != nil {
		return err
	}
	if err := os.MkdirAll(j.config.CSIVolumes(), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(j.config.CSIGCRoots(), 0o755); err != nil {
		return err
	}
	return nil
}

// readBootTime parses the "btime" field out of /proc/stat.
func readBootTime(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return parseBootTime(f)
}

// readSnapshot parses the "btime" field out of the previous run's
// snapshot of the kernel statistics file.
func readSnapshot(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return parseBootTime(f)
}

func parseBootTime(r io.Reader) (int64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "btime" {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, os.ErrNotExist
}

// writeSnapshot copies the full contents of the kernel statistics file
// at srcStatPath to dstPath, so the recorded snapshot is a byte-for-byte
// copy of the live file, not just the parsed boot time.
func writeSnapshot(srcStatPath, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}

	src, err := os.Open(srcStatPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}
