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
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// pathExistsFunc abstracts the filesystem existence check so tests can
// substitute a fake.
type pathExistsFunc func(path string) bool

// pathCache is a short-TTL, bounded cache from a content key to a
// resolved store path, used by the resolver. Every lookup re-validates
// that the cached path still exists before returning it, since the
// underlying store is free to garbage collect between cache population
// and reuse.
type pathCache struct {
	inner  *lru.LRU[string, string]
	exists pathExistsFunc
}

func newPathCache(ttl time.Duration, exists pathExistsFunc) *pathCache {
	return &pathCache{
		inner:  lru.NewLRU[string, string](4096, nil, ttl),
		exists: exists,
	}
}

// Get returns the cached path for key if present and still existing on
// disk.
func (c *pathCache) Get(key string) (string, bool) {
	path, ok := c.inner.Get(key)
	if !ok {
		return "", false
	}
	if !c.exists(path) {
		c.inner.Remove(key)
		return "", false
	}
	return path, true
}

// Set records the resolved path for key.
func (c *pathCache) Set(key, path string) {
	c.inner.Add(key, path)
}
