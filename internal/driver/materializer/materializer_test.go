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

package materializer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
)

// TestMaterializeRollsBackOnFailure checks rollback purity: since the
// sub-process tools this test relies on ("nix", "rsync", "nix_init_db")
// are not expected to exist in the test environment, the first
// subprocess step (the closure query) fails after the sub-store state
// directory has been created, and the materializer must leave neither
// the host garbage root nor the sub-store tree behind.
func TestMaterializeRollsBackOnFailure(t *testing.T) {
	root := t.TempDir()
	cfg := config.New(root)

	gcPath := filepath.Join(root, "gcroots", "v1")
	if err := os.MkdirAll(filepath.Dir(gcPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Simulate a gcroot symlink already existing from a partial previous
	// attempt, so rollback has something to remove.
	if err := os.Symlink("/nix/store/aaa-hello", gcPath); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	m := New(cfg)
	err := m.Materialize(context.Background(), logr.Discard(), "v1", gcPath, "/nix/store/aaa-hello")
	if err == nil {
		t.Fatalf("expected an error since the nix toolchain is not available in this environment")
	}

	if _, statErr := os.Lstat(gcPath); !os.IsNotExist(statErr) {
		t.Fatalf("expected gcroot to be removed by rollback, stat err = %v", statErr)
	}
	if _, statErr := os.Stat(cfg.VolumeRoot("v1")); !os.IsNotExist(statErr) {
		t.Fatalf("expected sub-store tree to be removed by rollback, stat err = %v", statErr)
	}
}

func TestClosureCacheRoundTrip(t *testing.T) {
	c := newClosureCache(time.Minute)
	c.Set("/nix/store/aaa-hello", []string{"/nix/store/aaa-hello", "/nix/store/bbb-glibc"})

	got, ok := c.Get("/nix/store/aaa-hello")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}

	if _, ok := c.Get("/nix/store/does-not-exist"); ok {
		t.Fatalf("expected cache miss for unknown key")
	}
}
