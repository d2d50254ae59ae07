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

// Package driver wires together the node plugin's components and
// registers the gRPC server on a controller-runtime manager.
package driver

import (
	"context"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
	"github.com/nix-community/nix-csi-driver/internal/driver/coordinator"
	"github.com/nix-community/nix-csi-driver/internal/driver/janitor"
	"github.com/nix-community/nix-csi-driver/internal/driver/materializer"
	"github.com/nix-community/nix-csi-driver/internal/driver/mount"
	"github.com/nix-community/nix-csi-driver/internal/driver/resolver"
	"github.com/nix-community/nix-csi-driver/internal/driver/server"
	"github.com/nix-community/nix-csi-driver/internal/driver/uploader"
)

// Setup purges any state left stale by a node reboot, constructs the
// driver's components, and registers the CSI gRPC server as a Runnable
// on mgr. The janitor runs synchronously here, before the server
// Runnable is registered, so that no RPC can observe pre-reboot state:
// controller-runtime does not guarantee Runnable start ordering, so
// this cannot be deferred into the Runnable itself.
func Setup(ctx context.Context, mgr ctrl.Manager, cfg config.Config) error {
	logger := ctrl.LoggerFrom(ctx)

	if err := janitor.New(cfg).RunOnce(logger); err != nil {
		return fmt.Errorf("unable to run reboot janitor: %w", err)
	}

	res := resolver.New(cfg)
	mat := materializer.New(cfg)
	mnt := mount.New()

	var up *uploader.Uploader
	if cfg.BuildCacheEnabled {
		up = uploader.New(cfg)
	}

	coord := coordinator.New(cfg, res, mat, mnt, up)

	return server.Setup(mgr, cfg, coord)
}
