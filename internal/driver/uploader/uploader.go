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

// Package uploader asynchronously pushes a resolved artifact's closure
// to a binary cache after a successful publish. It never reports
// failure back to the RPC caller: the publish has already succeeded by
// the time the uploader runs.
package uploader

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
	"github.com/nix-community/nix-csi-driver/internal/driver/keyedmutex"
	"github.com/nix-community/nix-csi-driver/internal/driver/subprocess"
)

const (
	uploadCacheURI = "ssh-ng://nix@nix-cache"
	maxAttempts    = 6
	retryBackoff   = 5 * time.Second
)

// Uploader pushes an artifact's closure (minus its derivations) to the
// configured binary cache.
type Uploader struct {
	config config.Config
	runner subprocess.Runner

	// locks serializes concurrent upload attempts for the same artifact
	// path, so two volumes resolving to the same artifact don't race to
	// upload the same closure.
	locks keyedmutex.Map[string]
}

// New returns an Uploader backed by cfg. Callers should check
// cfg.BuildCacheEnabled before dispatching work; Upload itself does not
// re-check the gate, since it is meant to be launched only when enabled.
func New(cfg config.Config) *Uploader {
	return &Uploader{config: cfg}
}

// UploadAsync launches Upload in its own goroutine and returns
// immediately. It is a no-op if the build cache is disabled. Errors are
// logged, never surfaced: by the time this runs, NodePublishVolume has
// already returned success to the caller.
func (u *Uploader) UploadAsync(ctx context.Context, logger logr.Logger, artifactPath string) {
	if !u.config.BuildCacheEnabled {
		return
	}
	go func() {
		if err := u.Upload(context.WithoutCancel(ctx), logger, artifactPath); err != nil {
			logger.Error(err, "post-publish upload failed", "artifact_path", artifactPath)
		}
	}()
}

// Upload enumerates the closure of artifactPath, filters out derivation
// paths, and copies the remaining store paths to the binary cache,
// making up to maxAttempts attempts in all, with a fixed backoff both
// before and after every attempt.
func (u *Uploader) Upload(ctx context.Context, logger logr.Logger, artifactPath string) error {
	unlock := u.locks.Lock(artifactPath)
	defer unlock()

	paths, err := u.closurePaths(ctx, logger, artifactPath)
	if err != nil {
		return err
	}
	paths = filterDerivations(paths)
	if len(paths) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		time.Sleep(retryBackoff)

		args := append([]string{"nix", "copy", "--to", uploadCacheURI}, paths...)
		result, err := u.runner.Run(ctx, subprocess.Captured, logger, 1, args...)
		if err == nil && result.ExitCode == 0 {
			logger.V(1).Info("uploaded closure to binary cache", "artifact_path", artifactPath, "attempt", attempt)
			return nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = &uploadFailure{exitCode: result.ExitCode, combined: result.Combined}
		}
		logger.V(1).Info("upload attempt failed, will retry", "artifact_path", artifactPath, "attempt", attempt, "error", lastErr.Error())

		time.Sleep(retryBackoff)
	}

	return lastErr
}

// closurePaths returns artifactPath itself plus its build-time closure.
// "--derivation" walks the derivation's dependency closure, which does
// not include artifactPath's own already-built output, so it must be
// added back explicitly.
func (u *Uploader) closurePaths(ctx context.Context, logger logr.Logger, artifactPath string) ([]string, error) {
	result, err := u.runner.Must(ctx, subprocess.Captured, logger, 1,
		"nix", "path-info", "--recursive", "--derivation", artifactPath)
	if err != nil {
		return nil, err
	}
	paths := append([]string{artifactPath}, strings.Split(strings.TrimSpace(result.Stdout), "\n")...)
	return paths, nil
}

func filterDerivations(paths []string) []string {
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || strings.HasSuffix(p, ".drv") {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

type uploadFailure struct {
	exitCode int
	combined string
}

func (e *uploadFailure) Error() string {
	return "nix copy exited " + strconv.Itoa(e.exitCode) + ": " + e.combined
}
