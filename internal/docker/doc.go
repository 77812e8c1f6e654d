// Package docker is the image backend of svcboot, built on the Docker
// Engine SDK.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Pulling the base runtime image and building the generated
//     Dockerfile, mapping a failing build step back to its error kind
//   - Running the entrypoint container, streaming its output and
//     propagating its exit code. A stopped container left under the same
//     name by an earlier run is replaced; a running one is never touched
//   - Labels that identify svcboot images and containers, and listing them
//
// Docker labels are the only state svcboot keeps; there is no state file.
package docker
