// Package port chooses host ports for publishing the declared container
// port with `svcboot run --publish`.
//
// The bootstrap itself never binds the declared port; that is the
// entrypoint's job. This package only probes the host side of a
// publication so the container start does not fail on a port conflict.
package port
