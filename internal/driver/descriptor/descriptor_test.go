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

package descriptor

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		ctx     map[string]string
		wantErr bool
		wantRef ContentRef
	}{
		{
			name: "direct path",
			ctx:  map[string]string{"x86_64-linux": "/nix/store/aaa-hello"},
			wantRef: ContentRef{
				Kind:  DirectPath,
				Value: "/nix/store/aaa-hello",
			},
		},
		{
			name: "flake ref",
			ctx:  map[string]string{"flakeRef": "github:NixOS/nixpkgs#hello"},
			wantRef: ContentRef{
				Kind:  FlakeRef,
				Value: "github:NixOS/nixpkgs#hello",
			},
		},
		{
			name: "nix expr",
			ctx:  map[string]string{"nixExpr": "import <nixpkgs> {}; pkgs.hello"},
			wantRef: ContentRef{
				Kind:  NixExpr,
				Value: "import <nixpkgs> {}; pkgs.hello",
			},
		},
		{
			name:    "empty",
			ctx:     map[string]string{},
			wantErr: true,
		},
		{
			name:    "conflicting keys",
			ctx:     map[string]string{"x86_64-linux": "/nix/store/aaa-hello", "flakeRef": "github:NixOS/nixpkgs#hello"},
			wantErr: true,
		},
		{
			name:    "unrecognized key only",
			ctx:     map[string]string{"somethingElse": "value"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Parse("x86_64-linux", tt.ctx)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got ref %+v", ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref != tt.wantRef {
				t.Fatalf("got %+v, want %+v", ref, tt.wantRef)
			}
		})
	}
}

func TestCacheKeyDiffersByKind(t *testing.T) {
	a := ContentRef{Kind: DirectPath, Value: "x"}
	b := ContentRef{Kind: FlakeRef, Value: "x"}
	if a.CacheKey() == b.CacheKey() {
		t.Fatalf("expected distinct cache keys for distinct kinds sharing a value")
	}
}
