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

// Package resolver turns a volume's tagged content reference into a
// concrete, locally present store path. It never returns successfully
// without first confirming the resolved path exists on disk.
package resolver

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
	"github.com/nix-community/nix-csi-driver/internal/driver/descriptor"
	"github.com/nix-community/nix-csi-driver/internal/driver/driverrors"
	"github.com/nix-community/nix-csi-driver/internal/driver/keyedmutex"
	"github.com/nix-community/nix-csi-driver/internal/driver/subprocess"
)

// wellKnownSubstituter is the SSH-reachable peer the resolver probes
// before deciding whether to pass extra substituter flags.
const wellKnownSubstituter = "ssh-ng://nix@nix-cache"

const cacheTTL = 60 * time.Second

// Resolver resolves a volume's tagged content reference to a store path
// guaranteed to exist locally once Resolve returns successfully.
type Resolver struct {
	config config.Config
	runner subprocess.Runner

	// expressionLocks serializes resolution of the same inline
	// expression text, so two volumes requesting the same expression pay
	// the build cost once.
	expressionLocks keyedmutex.Map[string]

	pathCache *pathCache

	// pathExists is overridable in tests.
	pathExists pathExistsFunc
}

// New returns a Resolver backed by cfg.
func New(cfg config.Config) *Resolver {
	r := &Resolver{config: cfg, pathExists: defaultPathExists}
	r.pathCache = newPathCache(cacheTTL, func(p string) bool { return r.pathExists(p) })
	return r
}

func defaultPathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Resolve returns the store path for ref, building or fetching it if
// necessary. Whenever it runs a build for the DirectPath or FlakeRef
// cases, or the full-build fallback for NixExpr, that build installs the
// host garbage root at gcPath as a side-effect; a cached result, an
// already-present direct path, or an inline expression whose evaluated
// output already exists returns without installing it.
func (r *Resolver) Resolve(ctx context.Context, logger logr.Logger, gcPath string, ref descriptor.ContentRef) (string, error) {
	substituterReachable := r.probeSubstituter(ctx, logger)

	switch ref.Kind {
	case descriptor.DirectPath:
		return r.resolveDirectPath(ctx, logger, gcPath, ref, substituterReachable)
	case descriptor.FlakeRef:
		return r.resolveFlakeRef(ctx, logger, gcPath, ref, substituterReachable)
	case descriptor.NixExpr:
		return r.resolveNixExpr(ctx, logger, gcPath, ref, substituterReachable)
	default:
		return "", driverrors.BadRequest("unrecognized content reference kind %q", ref.Kind)
	}
}

// probeSubstituter checks whether the well-known remote substitution
// endpoint is reachable. Failures are masked locally: the resolver
// degrades to a local build rather than failing the request.
func (r *Resolver) probeSubstituter(ctx context.Context, logger logr.Logger) bool {
	result, err := r.runner.Run(ctx, subprocess.Captured, logger, 1,
		"nix", "store", "ping", "--store", wellKnownSubstituter)
	return err == nil && result.ExitCode == 0
}

func (r *Resolver) resolveDirectPath(ctx context.Context, logger logr.Logger, gcPath string, ref descriptor.ContentRef, substituterReachable bool) (string, error) {
	if cached, ok := r.pathCache.Get(ref.CacheKey()); ok {
		return cached, nil
	}

	path := ref.Value
	if r.pathExists(path) {
		r.pathCache.Set(ref.CacheKey(), path)
		return path, nil
	}

	args := []string{"nix", "build"}
	if substituterReachable {
		args = append(args, "--extra-substituters", substituterFlagValue())
	}
	args = append(args, "--out-link", gcPath, path)

	if _, err := r.runner.Must(ctx, subprocess.Console, logger, 0, args...); err != nil {
		return "", driverrors.BadRequest("could not fetch or build store path %q: %v", path, err)
	}

	if !r.pathExists(path) {
		return "", driverrors.BadRequest("store path %q does not exist after build", path)
	}

	r.pathCache.Set(ref.CacheKey(), path)
	return path, nil
}

func (r *Resolver) resolveFlakeRef(ctx context.Context, logger logr.Logger, gcPath string, ref descriptor.ContentRef, substituterReachable bool) (string, error) {
	if cached, ok := r.pathCache.Get(ref.CacheKey()); ok {
		return cached, nil
	}

	args := []string{"nix", "build", "--print-out-paths"}
	if substituterReachable {
		args = append(args, "--extra-substituters", substituterFlagValue())
	}
	args = append(args, "--out-link", gcPath, ref.Value)

	result, err := r.runner.Must(ctx, subprocess.Console, logger, 0, args...)
	if err != nil {
		return "", driverrors.BadRequest("could not build flake reference %q: %v", ref.Value, err)
	}

	lines := strings.SplitN(result.Stdout, "\n", 2)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return "", driverrors.BadRequest("build of %q produced no output path", ref.Value)
	}
	path := strings.TrimSpace(lines[0])

	if !r.pathExists(path) {
		return "", driverrors.BadRequest("resolved path %q does not exist after build", path)
	}

	r.pathCache.Set(ref.CacheKey(), path)
	return path, nil
}

func (r *Resolver) resolveNixExpr(ctx context.Context, logger logr.Logger, gcPath string, ref descriptor.ContentRef, substituterReachable bool) (string, error) {
	unlock := r.expressionLocks.Lock(ref.Value)
	defer unlock()

	exprFile, err := os.CreateTemp("", "nix-csi-*.nix")
	if err != nil {
		return "", driverrors.Internal("could not create temporary expression file: %v", err)
	}
	defer os.Remove(exprFile.Name())

	if _, err := exprFile.WriteString(ref.Value); err != nil {
		exprFile.Close()
		return "", driverrors.Internal("could not write temporary expression file: %v", err)
	}
	exprFile.Close()

	var path string
	if cached, ok := r.pathCache.Get(ref.CacheKey()); ok {
		path = cached
	} else {
		evalExpr := fmt.Sprintf("(import %s {}).outPath", exprFile.Name())
		evalResult, err := r.runner.Must(ctx, subprocess.Captured, logger, 1,
			"nix", "eval", "--raw", "--impure", "--expr", evalExpr)
		if err != nil {
			return "", driverrors.BadRequest("could not evaluate inline expression: %v", err)
		}
		path = strings.TrimSpace(evalResult.Stdout)
		r.pathCache.Set(ref.CacheKey(), path)

		// Best-effort substituter-only fetch before a full local build.
		_, _ = r.runner.Run(ctx, subprocess.Captured, logger, 1, "nix", "build", "--no-link", path)
	}

	if r.pathExists(path) {
		return path, nil
	}

	args := []string{"nix", "build", "--print-out-paths", "--out-link", gcPath, "--file", exprFile.Name()}
	if substituterReachable {
		args = append(args, "--extra-substituters", substituterFlagValue())
	}
	if builders := remoteBuilders(r.config.RemoteBuildersFile(), r.config.PodIP); len(builders) > 0 {
		args = append(args, "--builders", strings.Join(builders, ";"))
	}

	result, err := r.runner.Must(ctx, subprocess.Console, logger, 0, args...)
	if err != nil {
		return "", driverrors.Internal("could not build inline expression: %v", err)
	}

	lines := strings.SplitN(result.Stdout, "\n", 2)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return "", driverrors.BadRequest("build of inline expression produced no output path")
	}
	path = strings.TrimSpace(lines[0])

	if !r.pathExists(path) {
		return "", driverrors.BadRequest("resolved path %q does not exist after build", path)
	}

	r.pathCache.Set(ref.CacheKey(), path)
	return path, nil
}

func substituterFlagValue() string {
	return wellKnownSubstituter + "?trusted=1&priority=20"
}
