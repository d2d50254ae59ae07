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

package mount

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-logr/logr"
)

func TestMountArgsBindForReadOnly(t *testing.T) {
	args := mountArgs(Target{VolumeNix: "/vol/nix", TargetPath: "/target", ReadOnly: true})
	want := []string{"mount", "--verbose", "--bind", "-o", "ro", "/vol/nix", "/target"}
	if !equalArgs(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}

func TestMountArgsOverlayForReadWrite(t *testing.T) {
	args := mountArgs(Target{VolumeNix: "/vol/nix", UpperDir: "/vol/upper", WorkDir: "/vol/work", TargetPath: "/target"})
	want := []string{"mount", "--verbose", "-t", "overlay", "overlay", "-o",
		"rw,lowerdir=/vol/nix,upperdir=/vol/upper,workdir=/vol/work", "/target"}
	if !equalArgs(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}

// TestPublishFailsCleanlyWithoutMountTool exercises the non-idempotent
// failure path: in a test sandbox, mount(8) invocations against
// non-block-device arguments fail with some exit code other than 32, so
// Publish must surface an error rather than silently succeeding.
func TestPublishFailsCleanlyWithoutMountTool(t *testing.T) {
	m := New()
	target := Target{VolumeNix: "/nix/store/does-not-exist", TargetPath: t.TempDir() + "/target", ReadOnly: true}
	err := m.Publish(context.Background(), logr.Discard(), target)
	if err == nil {
		t.Fatalf("expected mount to fail in a sandbox without bind-mount privileges")
	}
}

// TestPublishTreatsExitCode32AsSuccess exercises mount-32 idempotence: a
// mount(8) invocation that exits 32 ("already mounted") must be treated
// as a successful publish rather than surfaced as an error. A fake
// "mount" executable standing in on PATH lets this be exercised without
// real mount privileges.
func TestPublishTreatsExitCode32AsSuccess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("fake mount(8) shim is POSIX-shell only")
	}

	bin := t.TempDir()
	fake := filepath.Join(bin, "mount")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\nexit 32\n"), 0o755); err != nil {
		t.Fatalf("write fake mount: %v", err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	m := New()
	target := Target{VolumeNix: "/nix/store/does-not-exist", TargetPath: t.TempDir() + "/target", ReadOnly: true}
	if err := m.Publish(context.Background(), logr.Discard(), target); err != nil {
		t.Fatalf("expected exit code 32 to be treated as success, got %v", err)
	}
}

// TestUnpublishNoopWhenNotMounted exercises idempotent unmount of a path
// that was never mounted.
func TestUnpublishNoopWhenNotMounted(t *testing.T) {
	m := New()
	err := m.Unpublish(context.Background(), logr.Discard(), t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error unmounting a plain directory: %v", err)
	}
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
