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
	"os"
	"strings"
)

// remoteBuilders reads the line-delimited list of ssh-ng:// remote
// builder URIs rendered by the (out of core scope) cluster discovery
// daemon, excluding this plugin's own pod IP so the resolver can never
// hand Nix its own address as a remote builder.
//
// A missing file is not an error: it simply means no remote builders are
// configured yet.
func remoteBuilders(path, ownPodIP string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var builders []string
	for _, line := range strings.Split(string(data), "\n") {
		uri := strings.TrimSpace(line)
		if uri == "" {
			continue
		}
		if ownPodIP != "" && strings.Contains(uri, ownPodIP) {
			continue
		}
		builders = append(builders, uri)
	}
	return builders
}
