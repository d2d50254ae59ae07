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

package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
	"github.com/nix-community/nix-csi-driver/internal/driver/descriptor"
)

func TestResolveDirectPathAlreadyPresentSkipsBuild(t *testing.T) {
	r := New(config.New(t.TempDir()))
	r.pathExists = func(path string) bool { return path == "/nix/store/aaa-hello" }
	r.pathCache = newPathCache(cacheTTL, r.pathExists)

	path, err := r.resolveDirectPath(context.Background(), logr.Discard(), "/tmp/gcroot",
		descriptor.ContentRef{Kind: descriptor.DirectPath, Value: "/nix/store/aaa-hello"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/nix/store/aaa-hello" {
		t.Fatalf("path = %q", path)
	}
}

func TestResolveDirectPathCachesAcrossCalls(t *testing.T) {
	r := New(config.New(t.TempDir()))
	calls := 0
	r.pathExists = func(path string) bool {
		calls++
		return true
	}
	r.pathCache = newPathCache(cacheTTL, r.pathExists)

	ref := descriptor.ContentRef{Kind: descriptor.DirectPath, Value: "/nix/store/aaa-hello"}
	if _, err := r.resolveDirectPath(context.Background(), logr.Discard(), "/tmp/gcroot", ref, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached, ok := r.pathCache.Get(ref.CacheKey()); !ok || cached != ref.Value {
		t.Fatalf("expected the first call to cache %q, got %q (hit=%v)", ref.Value, cached, ok)
	}
	firstCalls := calls
	if _, err := r.resolveDirectPath(context.Background(), logr.Discard(), "/tmp/gcroot", ref, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The second call should hit the cache's own existence re-validation
	// exactly once, not re-derive the path from scratch via a build.
	if calls != firstCalls+1 {
		t.Fatalf("expected exactly one cache re-validation call to exists, calls=%d firstCalls=%d", calls, firstCalls)
	}
}

func TestRemoteBuildersExcludesOwnPodIP(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "builders.list")
	content := "ssh-ng://nix@10.0.0.1\nssh-ng://nix@10.0.0.2\n\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	builders := remoteBuilders(file, "10.0.0.2")
	if len(builders) != 1 || builders[0] != "ssh-ng://nix@10.0.0.1" {
		t.Fatalf("builders = %v", builders)
	}
}

func TestRemoteBuildersMissingFileIsEmpty(t *testing.T) {
	builders := remoteBuilders(filepath.Join(t.TempDir(), "does-not-exist"), "")
	if builders != nil {
		t.Fatalf("expected nil, got %v", builders)
	}
}
