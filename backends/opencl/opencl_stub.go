//go:build !opencl

// Package opencl implements a gpustream backend on an OpenCL device.
//
// This build was made without the "opencl" build tag, so the backend is not available.
// Build with `-tags opencl` (and the OpenCL headers and ICD loader installed) to include it.
package opencl

// BackendName to be used in GPUSTREAM_BACKEND to specify this backend.
const BackendName = "opencl"

// Available reports whether this build includes the OpenCL backend.
const Available = false
