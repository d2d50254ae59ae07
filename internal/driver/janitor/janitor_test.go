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

package janitor

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-logr/logr"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
)

func writeProcStat(t *testing.T, dir string, btime int64) string {
	t.Helper()
	path := filepath.Join(dir, "stat")
	content := "cpu  0 0 0 0 0 0 0 0 0 0\nbtime " + strconv.FormatInt(btime, 10) + "\nprocesses 123\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write proc stat: %v", err)
	}
	return path
}

func TestRunOncePurgesOnFirstRun(t *testing.T) {
	root := t.TempDir()
	cfg := config.New(root)
	if err := os.MkdirAll(cfg.CSIVolumes(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(cfg.CSIVolumes(), "vol-1")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir stale: %v", err)
	}

	j := New(cfg)
	j.procStatPath = writeProcStat(t, t.TempDir(), 1000)

	if err := j.RunOnce(logr.Discard()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale volume state to be purged, stat err = %v", err)
	}
	if _, err := os.Stat(cfg.CSIVolumes()); err != nil {
		t.Fatalf("expected CSIVolumes to be recreated: %v", err)
	}
}

func TestRunOnceKeepsStateAcrossMatchingBootTime(t *testing.T) {
	root := t.TempDir()
	cfg := config.New(root)
	statDir := t.TempDir()

	j := New(cfg)
	j.procStatPath = writeProcStat(t, statDir, 2000)

	if err := j.RunOnce(logr.Discard()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}

	marker := filepath.Join(cfg.CSIVolumes(), "vol-1")
	if err := os.MkdirAll(marker, 0o755); err != nil {
		t.Fatalf("mkdir marker: %v", err)
	}

	j2 := New(cfg)
	j2.procStatPath = writeProcStat(t, statDir, 2000)
	if err := j2.RunOnce(logr.Discard()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected volume state to survive an unchanged boot time: %v", err)
	}
}

func TestRunOncePurgesOnBootTimeMismatch(t *testing.T) {
	root := t.TempDir()
	cfg := config.New(root)
	statDir := t.TempDir()

	j := New(cfg)
	j.procStatPath = writeProcStat(t, statDir, 3000)
	if err := j.RunOnce(logr.Discard()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}

	marker := filepath.Join(cfg.CSIVolumes(), "vol-1")
	if err := os.MkdirAll(marker, 0o755); err != nil {
		t.Fatalf("mkdir marker: %v", err)
	}

	j2 := New(cfg)
	j2.procStatPath = writeProcStat(t, statDir, 4000)
	if err := j2.RunOnce(logr.Discard()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("expected volume state purged after boot time mismatch, stat err = %v", err)
	}
}

// TestRunOnceSnapshotMatchesStatFileContent verifies that the recorded
// snapshot is a byte-for-byte copy of the kernel statistics file, not a
// re-serialization of just the parsed boot time.
func TestRunOnceSnapshotMatchesStatFileContent(t *testing.T) {
	root := t.TempDir()
	cfg := config.New(root)

	j := New(cfg)
	j.procStatPath = writeProcStat(t, t.TempDir(), 5000)

	if err := j.RunOnce(logr.Discard()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want, err := os.ReadFile(j.procStatPath)
	if err != nil {
		t.Fatalf("read source stat file: %v", err)
	}
	got, err := os.ReadFile(cfg.BootStatFile())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("snapshot = %q, want %q", got, want)
	}
}
