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

package nixcsidriver

import (
	"fmt"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/nix-community/nix-csi-driver/internal/cmd/nixcsidriver/options"
	"github.com/nix-community/nix-csi-driver/internal/driver"
)

const (
	helpOutput = "A CSI node plugin that mounts resolved Nix store artifacts into pods."
)

// NewCommand returns a new command instance of the node plugin.
func NewCommand() *cobra.Command {
	opts := options.New()

	cmd := &cobra.Command{
		Use:   "nix-csi-driver",
		Short: helpOutput,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Complete()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Log = opts.Logr.WithName("apiutil")
			mainLog := opts.Logr.WithName("main")
			mlog := opts.Logr.WithName("controller-manager")
			ctrl.SetLogger(mlog)

			mgr, err := ctrl.NewManager(opts.RestConfig, ctrl.Options{
				ReadinessEndpointName:  "/readyz",
				HealthProbeBindAddress: opts.ReadyzAddress,
				Metrics: server.Options{
					BindAddress: opts.MetricsAddress,
				},
				Logger: mlog,
			})
			if err != nil {
				return fmt.Errorf("unable to create controller manager: %w", err)
			}

			if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
				return fmt.Errorf("unable to add readyz check: %w", err)
			}

			if err := driver.Setup(ctx, mgr, opts.CSI); err != nil {
				return fmt.Errorf("unable to setup csi driver: %w", err)
			}

			mainLog.Info("starting nix-csi-driver...")
			return mgr.Start(ctx)
		},
	}

	opts.AddFlags(cmd)

	return cmd
}
