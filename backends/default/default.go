// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends, namely the simulated device and, when built with the
// "opencl" tag, the OpenCL one.
//
// To use it simply include:
//
//	import _ "github.com/lsds/gpustream/backends/default"
package _default

import (
	_ "github.com/lsds/gpustream/backends/opencl"
	_ "github.com/lsds/gpustream/backends/simgpu"
)
