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

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/container-storage-interface/spec/lib/go/csi"
	grpcPrometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/kubernetes-csi/csi-lib-utils/protosanitizer"
	"google.golang.org/grpc"
	"k8s.io/apimachinery/pkg/util/uuid"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/nix-community/nix-csi-driver/internal/driver/config"
	"github.com/nix-community/nix-csi-driver/internal/driver/coordinator"
	"github.com/nix-community/nix-csi-driver/internal/version"
)

var grpcMetrics = grpcPrometheus.NewServerMetrics()

func init() {
	metrics.Registry.MustRegister(grpcMetrics)
}

// Setup registers the CSI gRPC server as a Runnable on mgr. The server
// listens on cfg.GRPCEndpoint (a UNIX socket in production) and serves
// the Node and Identity services backed by coord.
func Setup(mgr ctrl.Manager, cfg config.Config, coord *coordinator.Coordinator) error {
	return mgr.Add(
		manager.RunnableFunc(func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			network, address := parseEndpoint(cfg.GRPCEndpoint)
			if network == "unix" {
				if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("could not remove stale socket %q: %w", address, err)
				}
			}

			lc := net.ListenConfig{}
			listener, err := lc.Listen(ctx, network, address)
			if err != nil {
				return err
			}

			logger := log.FromContext(ctx)

			unaryInterceptor := grpc.ChainUnaryInterceptor(
				grpcMetrics.UnaryServerInterceptor(),
				func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
					logger := logger.WithValues("method", info.FullMethod, "request_id", uuid.NewUUID(), "request", protosanitizer.StripSecrets(req))
					ctx = log.IntoContext(ctx, logger)

					logger.V(2).Info("starting request")
					resp, err = handler(ctx, req)
					if err != nil {
						logger.Error(err, "failed processing request")
					} else {
						logger.V(2).Info("request completed", "response", protosanitizer.StripSecrets(resp))
					}

					return resp, err
				},
			)

			server := grpc.NewServer(unaryInterceptor)

			// Every other CSI service (Controller, Group, SnapshotMetadata) is
			// deliberately left unregistered rather than implemented as
			// Unimplemented stubs: callers get an UNIMPLEMENTED status from
			// gRPC's own service-not-found handling.
			csi.RegisterNodeServer(server, &NodeServer{Config: cfg, Coordinator: coord})
			csi.RegisterIdentityServer(server, &IdentityServer{Name: config.DriverName, Version: version.AppVersion})

			grpcMetrics.InitializeMetrics(server)

			go func() {
				<-ctx.Done()
				server.GracefulStop()
			}()

			return server.Serve(listener)
		}))
}

func parseEndpoint(endpoint string) (proto, addr string) {
	parts := strings.SplitN(endpoint, "://", 2)
	if len(parts) == 1 {
		return "tcp", endpoint
	}

	return parts[0], parts[1]
}
