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

package subprocess

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRunCapturesStdoutAndStderr(t *testing.T) {
	r := Runner{}
	result, err := r.Run(context.Background(), Captured, logr.Discard(), 0,
		"sh", "-c", "echo out-line; echo err-line >&2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "out-line" {
		t.Fatalf("stdout = %q, want %q", result.Stdout, "out-line")
	}
	if result.Stderr != "err-line" {
		t.Fatalf("stderr = %q, want %q", result.Stderr, "err-line")
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
}

func TestRunPreservesLineOrderWithinAStream(t *testing.T) {
	r := Runner{}
	result, err := r.Run(context.Background(), Captured, logr.Discard(), 0,
		"sh", "-c", "echo one; echo two; echo three")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "one\ntwo\nthree"
	if result.Stdout != want {
		t.Fatalf("stdout = %q, want %q", result.Stdout, want)
	}
}

func TestRunReportsNonZeroExit(t *testing.T) {
	r := Runner{}
	result, err := r.Run(context.Background(), Captured, logr.Discard(), 0, "sh", "-c", "exit 32")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 32 {
		t.Fatalf("exit code = %d, want 32", result.ExitCode)
	}
}

func TestMustWrapsNonZeroExitAsInternal(t *testing.T) {
	r := Runner{}
	_, err := r.Must(context.Background(), Captured, logr.Discard(), 0, "sh", "-c", "echo boom >&2; exit 1")
	if err == nil {
		t.Fatalf("expected error")
	}
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestMustSucceedsOnZeroExit(t *testing.T) {
	r := Runner{}
	result, err := r.Must(context.Background(), Captured, logr.Discard(), 0, "true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
}
