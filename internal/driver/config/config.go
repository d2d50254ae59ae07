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

// Package config holds the CSI driver's configuration and the path
// derivation helpers used throughout the driver to lay out its state
// under a single root.
package config

import "path/filepath"

const (
	// System is the Nix system identifier used as the direct-store-path
	// key recognized in volume_context.
	System = "x86_64-linux"

	// DriverName is the CSI plugin name advertised by the identity
	// service.
	DriverName = "nix.csi.store"

	bootStatFileName = "proc_stat"
	buildersDirName  = "builders"
)

// Config is the configuration for the CSI node plugin.
type Config struct {
	// NodeID is reported verbatim as NodeGetInfo's node_id. Sourced from
	// KUBE_NODE_NAME.
	NodeID string
	// Namespace is the namespace this plugin's pod runs in, used only to
	// pick the rendered remote-builder file. Sourced from KUBE_NAMESPACE.
	Namespace string
	// PodIP is this plugin's own pod IP. It is excluded from any
	// resolved remote-builder list so the plugin never asks itself to
	// build. Sourced from KUBE_POD_IP.
	PodIP string
	// BuildCacheEnabled gates the post-publish uploader. Sourced from
	// BUILD_CACHE=="true".
	BuildCacheEnabled bool

	// GRPCEndpoint is the endpoint the CSI gRPC server listens on, e.g.
	// "unix:///csi/csi.sock".
	GRPCEndpoint string

	// NixRoot is the root of the plugin's own mount namespace view of
	// the host filesystem (normally "/").
	NixRoot string
}

// New returns a Config rooted at nixRoot, with every other field left
// empty for the caller to populate; all paths are derived from NixRoot
// by the methods below.
func New(nixRoot string) Config {
	return Config{NixRoot: nixRoot}
}

// CSIRoot is "<NixRoot>/nix/var/nix-csi", the root of all per-plugin
// bookkeeping state.
func (c Config) CSIRoot() string {
	return filepath.Join(c.NixRoot, "nix", "var", "nix-csi")
}

// CSIVolumes is "<CSIRoot>/volumes", containing one sub-store per
// volume id.
func (c Config) CSIVolumes() string {
	return filepath.Join(c.CSIRoot(), "volumes")
}

// CSIGCRoots is "<NixRoot>/nix/var/nix/gcroots/nix-csi", containing one
// host garbage root symlink per volume id.
func (c Config) CSIGCRoots() string {
	return filepath.Join(c.NixRoot, "nix", "var", "nix", "gcroots", "nix-csi")
}

// BootStatFile is the snapshot file the reboot janitor compares against
// the live kernel statistics file.
func (c Config) BootStatFile() string {
	return filepath.Join(c.CSIRoot(), bootStatFileName)
}

// VolumeRoot is the per-volume sub-store root, "<CSIVolumes>/<id>".
func (c Config) VolumeRoot(volumeID string) string {
	return filepath.Join(c.CSIVolumes(), volumeID)
}

// VolumeStore is the hard-link farm destination for a volume's closure,
// "<VolumeRoot>/nix/store".
func (c Config) VolumeStore(volumeID string) string {
	return filepath.Join(c.VolumeRoot(volumeID), "nix", "store")
}

// VolumeStateDir is NIX_STATE_DIR for the sub-store,
// "<VolumeRoot>/nix/var/nix".
func (c Config) VolumeStateDir(volumeID string) string {
	return filepath.Join(c.VolumeRoot(volumeID), "nix", "var", "nix")
}

// VolumeResultLink is the well-known consumer entry point,
// "<VolumeRoot>/nix/var/result".
func (c Config) VolumeResultLink(volumeID string) string {
	return filepath.Join(c.VolumeRoot(volumeID), "nix", "var", "result")
}

// VolumeGCRoot is the in-sub-store garbage root for the volume's
// artifact, "<VolumeStateDir>/gcroots/result".
func (c Config) VolumeGCRoot(volumeID string) string {
	return filepath.Join(c.VolumeStateDir(volumeID), "gcroots", "result")
}

// VolumeNix is "<VolumeRoot>/nix", the directory mounted at the
// caller's target path.
func (c Config) VolumeNix(volumeID string) string {
	return filepath.Join(c.VolumeRoot(volumeID), "nix")
}

// VolumeUpperDir and VolumeWorkDir back an overlay mount; they only
// exist for read-write volumes.
func (c Config) VolumeUpperDir(volumeID string) string {
	return filepath.Join(c.VolumeRoot(volumeID), "upperdir")
}

func (c Config) VolumeWorkDir(volumeID string) string {
	return filepath.Join(c.VolumeRoot(volumeID), "workdir")
}

// HostGCRoot is the host garbage root symlink for a volume,
// "<CSIGCRoots>/<id>".
func (c Config) HostGCRoot(volumeID string) string {
	return filepath.Join(c.CSIGCRoots(), volumeID)
}

// RemoteBuildersFile is the file the out-of-scope cluster discovery
// daemon renders with one ssh-ng:// builder URI per line, scoped by
// namespace.
func (c Config) RemoteBuildersFile() string {
	namespace := c.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return filepath.Join(c.CSIRoot(), buildersDirName, namespace+".list")
}
