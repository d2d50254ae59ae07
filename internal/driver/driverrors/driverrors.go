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

// Package driverrors centralizes the mapping from internal failure kinds
// to the gRPC status codes the CSI contract requires. The resolver,
// materializer, mount manager, coordinator and subprocess runner build
// their statuses through it; the RPC handlers in internal/driver/server
// build their argument-validation, Unimplemented and Unavailable
// statuses with grpc/status directly.
package driverrors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BadRequest wraps a missing/conflicting descriptor field or an
// unresolvable content reference as codes.InvalidArgument.
func BadRequest(format string, args ...any) error {
	return status.Error(codes.InvalidArgument, fmt.Sprintf(format, args...))
}

// Internal wraps a subprocess, filesystem, or mount failure as
// codes.Internal.
func Internal(format string, args ...any) error {
	return status.Error(codes.Internal, fmt.Sprintf(format, args...))
}

// InternalErr wraps err as codes.Internal without double-wrapping if err
// already carries a gRPC status.
func InternalErr(err error) error {
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// Unimplemented marks an RPC this plugin deliberately does not support.
func Unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "%s is not implemented by this node plugin", method)
}
