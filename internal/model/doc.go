// Package model defines the domain types and value objects for svcboot.
//
// This package contains pure data structures with no external dependencies.
// The dependency manifest, runtime flag set, port contract and entrypoint are
// configuration values built once per bootstrap and never mutated afterwards;
// the only runtime object is the Stage of the bootstrap state machine.
//
// The package also defines exit codes (ExitCode), the bootstrap error
// taxonomy (ErrorKind, BootstrapError) and a custom error type (CLIError)
// that carries exit codes for proper OS process exit handling.
package model
