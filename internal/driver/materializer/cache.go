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

package materializer

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// closureCache is a short-TTL, bounded cache from an artifact path to
// its transitive closure (an ordered list of store paths), since
// recomputing the closure of the same artifact across many volumes in a
// short window is wasted subprocess work.
type closureCache struct {
	inner *lru.LRU[string, []string]
}

func newClosureCache(ttl time.Duration) *closureCache {
	return &closureCache{inner: lru.NewLRU[string, []string](4096, nil, ttl)}
}

func (c *closureCache) Get(artifactPath string) ([]string, bool) {
	return c.inner.Get(artifactPath)
}

func (c *closureCache) Set(artifactPath string, closure []string) {
	c.inner.Add(artifactPath, closure)
}
