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

// Package descriptor lifts the three stringly-typed shapes of a CSI
// volume_context into a single tagged union, parsed once at the RPC
// boundary so the resolver and coordinator never re-check which key is
// present.
package descriptor

import "fmt"

// Kind identifies which of the three recognized volume_context shapes a
// ContentRef carries.
type Kind int

const (
	// DirectPath identifies a volume_context carrying a literal store
	// path under the current Nix system key (e.g. "x86_64-linux").
	DirectPath Kind = iota
	// FlakeRef identifies a volume_context carrying a symbolic flake
	// reference to be built.
	FlakeRef
	// NixExpr identifies a volume_context carrying an inline Nix
	// expression to be evaluated and built.
	NixExpr
)

func (k Kind) String() string {
	switch k {
	case DirectPath:
		return "direct-path"
	case FlakeRef:
		return "flake-ref"
	case NixExpr:
		return "nix-expr"
	default:
		return "unknown"
	}
}

// ContentRef is the tagged, parsed form of a volume_context's content
// key. Exactly one of DirectPath, FlakeRef or NixExpr is recognized per
// request; Parse enforces that invariant.
type ContentRef struct {
	Kind Kind
	// Value is the raw string for the recognized key: a store path for
	// DirectPath, a flake reference for FlakeRef, or the inline
	// expression text for NixExpr.
	Value string
}

// CacheKey returns the string used to key the resolver's path cache;
// the resolver's expression lock is keyed by the raw expression text
// instead. For DirectPath this is redundant (the
// store path already encodes identity) but harmless, matching the
// source behaviour called out as such.
func (c ContentRef) CacheKey() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.Value)
}

// KeyFlakeRef and KeyNixExpr are the recognized volume_context keys
// besides the Nix system key; Parse probes the system key first, then
// these two in the order listed.
const (
	KeyFlakeRef = "flakeRef"
	KeyNixExpr  = "nixExpr"
)

// Parse resolves which single content key is present in a volume_context
// map for the given Nix system identifier (e.g. "x86_64-linux", used as
// the direct-store-path key). It returns an error if zero or more than
// one of the three recognized keys are present.
func Parse(system string, volumeContext map[string]string) (ContentRef, error) {
	var found []ContentRef

	if v, ok := volumeContext[system]; ok && v != "" {
		found = append(found, ContentRef{Kind: DirectPath, Value: v})
	}
	if v, ok := volumeContext[KeyFlakeRef]; ok && v != "" {
		found = append(found, ContentRef{Kind: FlakeRef, Value: v})
	}
	if v, ok := volumeContext[KeyNixExpr]; ok && v != "" {
		found = append(found, ContentRef{Kind: NixExpr, Value: v})
	}

	switch len(found) {
	case 0:
		return ContentRef{}, fmt.Errorf("volume_context must set exactly one of %q, %q or %q", system, KeyFlakeRef, KeyNixExpr)
	case 1:
		return found[0], nil
	default:
		return ContentRef{}, fmt.Errorf("volume_context must set exactly one of %q, %q or %q, found %d", system, KeyFlakeRef, KeyNixExpr, len(found))
	}
}
