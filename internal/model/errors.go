package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a fatal bootstrap failure. Every kind aborts the
// bootstrap immediately; there is no retry or partial-success state.
type ErrorKind string

const (
	// KindEnvironmentAcquisition: the fixed interpreter runtime could not be obtained.
	KindEnvironmentAcquisition ErrorKind = "EnvironmentAcquisitionFailed"

	// KindSystemPackageInstall: OS-level build prerequisites failed to install.
	KindSystemPackageInstall ErrorKind = "SystemPackageInstallFailed"

	// KindDependencyInstall: the dependency manifest failed to install.
	KindDependencyInstall ErrorKind = "DependencyInstallFailed"

	// KindSourceMaterialize: the program source could not be copied.
	KindSourceMaterialize ErrorKind = "SourceMaterializeFailed"

	// KindEntrypointStart: the entrypoint process could not be started.
	KindEntrypointStart ErrorKind = "EntrypointStartFailed"
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	return string(k)
}

// ExitCode maps the kind to the exit code svcboot reports for it.
func (k ErrorKind) ExitCode() ExitCode {
	switch k {
	case KindEnvironmentAcquisition:
		return ExitEnvironmentAcquisition
	case KindSystemPackageInstall:
		return ExitSystemPackageInstall
	case KindDependencyInstall:
		return ExitDependencyInstall
	case KindSourceMaterialize:
		return ExitSourceMaterialize
	case KindEntrypointStart:
		return ExitEntrypointStart
	default:
		return ExitGeneralError
	}
}

// BootstrapError is returned when a bootstrap step fails.
type BootstrapError struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Step is the name of the step that failed.
	Step string

	// Output holds the tail of the failing tool's output (package manager,
	// image builder), if any.
	Output string

	// Err is the underlying error.
	Err error
}

// Error formats the kind, step and cause. Installer output is appended on
// its own lines so it stays readable in terminal output.
func (e *BootstrapError) Error() string {
	msg := fmt.Sprintf("%s: step %q", e.Kind, e.Step)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// NewBootstrapError creates a BootstrapError without installer output.
func NewBootstrapError(kind ErrorKind, step string, err error) *BootstrapError {
	return &BootstrapError{Kind: kind, Step: step, Err: err}
}

// KindOf extracts the ErrorKind from anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var bErr *BootstrapError
	if errors.As(err, &bErr) {
		return bErr.Kind, true
	}
	return "", false
}
