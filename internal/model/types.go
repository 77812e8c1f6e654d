package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Stage represents the lifecycle state of a bootstrap.
// The state transitions are strictly forward:
//
//	not-started → dependencies-installed → source-materialized →
//	flags-applied → running → exited
//
// Any non-terminal stage may also move to failed.
type Stage string

const (
	// StageNotStarted is the initial stage. Acquiring the base runtime and
	// installing system packages happen while the bootstrap is in this stage.
	StageNotStarted Stage = "not-started"

	// StageDependenciesInstalled means the full dependency manifest has been
	// installed. No partial dependency state is ever observable.
	StageDependenciesInstalled Stage = "dependencies-installed"

	// StageSourceMaterialized means the program source tree has been copied
	// into the execution environment.
	StageSourceMaterialized Stage = "source-materialized"

	// StageFlagsApplied means the runtime flag set has been fixed for the
	// entrypoint's environment.
	StageFlagsApplied Stage = "flags-applied"

	// StageRunning means the entrypoint process has been started.
	StageRunning Stage = "running"

	// StageExited means the entrypoint process has exited.
	StageExited Stage = "exited"

	// StageFailed means a bootstrap step failed. It is terminal.
	StageFailed Stage = "failed"
)

// stageOrder gives the position of each forward stage. StageFailed is
// handled separately because it can be reached from any non-terminal stage.
var stageOrder = map[Stage]int{
	StageNotStarted:            0,
	StageDependenciesInstalled: 1,
	StageSourceMaterialized:    2,
	StageFlagsApplied:          3,
	StageRunning:               4,
	StageExited:                5,
}

// String returns the string representation of Stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid checks whether the Stage value is one of the predefined stages.
func (s Stage) IsValid() bool {
	if s == StageFailed {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s Stage) IsTerminal() bool {
	return s == StageExited || s == StageFailed
}

// CanAdvance reports whether a transition from s to next is allowed.
// Only the direct successor or failed may follow; stages are never skipped
// or re-entered.
func (s Stage) CanAdvance(next Stage) bool {
	if !s.IsValid() || !next.IsValid() || s.IsTerminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	return stageOrder[next] == stageOrder[s]+1
}

// Next returns the direct successor of s. It returns false for terminal
// stages.
func (s Stage) Next() (Stage, bool) {
	if !s.IsValid() || s.IsTerminal() {
		return "", false
	}
	for stage, pos := range stageOrder {
		if pos == stageOrder[s]+1 {
			return stage, true
		}
	}
	return "", false
}

// ParseStage converts a string to a Stage.
func ParseStage(s string) (Stage, error) {
	stage := Stage(strings.ToLower(s))
	if !stage.IsValid() {
		return "", fmt.Errorf("invalid stage: %q", s)
	}
	return stage, nil
}

// Requirement is a single entry of the dependency manifest.
type Requirement struct {
	// Name is the package name exactly as written, including any extras
	// suffix such as "uvicorn[standard]".
	Name string `json:"name" yaml:"name"`

	// Constraint is the optional version constraint, e.g. "==2.31.0" or
	// ">=1.0,<2". Empty when the manifest line names a package only.
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`

	// Marker is the optional environment marker following ';', e.g.
	// `python_version < "3.12"`.
	Marker string `json:"marker,omitempty" yaml:"marker,omitempty"`

	// Line is the 1-based line number in the manifest file.
	Line int `json:"line" yaml:"line"`
}

// String returns the requirement in manifest syntax.
func (r Requirement) String() string {
	if r.Marker != "" {
		return r.Name + r.Constraint + "; " + r.Marker
	}
	return r.Name + r.Constraint
}

// Manifest is the ordered, immutable list of declared dependencies.
// It is read once at build time and owned by the build process.
type Manifest struct {
	// Path is the manifest file path relative to the source root.
	Path string `json:"path"`

	// Requirements keeps the manifest order.
	Requirements []Requirement `json:"requirements"`
}

// Len returns the number of declared requirements.
func (m *Manifest) Len() int {
	return len(m.Requirements)
}

// Canonical renders the manifest as newline-terminated requirement lines,
// without comments or blank lines. Two manifests that declare the same
// requirements in the same order have the same canonical form.
func (m *Manifest) Canonical() string {
	var b strings.Builder
	for _, r := range m.Requirements {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Environment variable names of the recognized runtime flags.
const (
	EnvUnbuffered = "PYTHONUNBUFFERED"
	EnvNoBytecode = "PYTHONDONTWRITEBYTECODE"
	EnvAsyncDebug = "PYTHONASYNCIODEBUG"
	EnvPort       = "PORT"
)

// RuntimeFlags is the immutable runtime flag set applied once, before the
// entrypoint starts. It is passed explicitly to whoever starts the
// entrypoint instead of being stored in process-wide globals.
type RuntimeFlags struct {
	// Unbuffered disables standard output buffering so logs are observed in
	// real time.
	Unbuffered bool `json:"unbuffered"`

	// NoBytecode disables writing compiled bytecode caches to disk.
	NoBytecode bool `json:"noBytecode"`

	// AsyncDebug controls whether the async-debug flag is declared at all.
	// When declared it is always declared as disabled.
	AsyncDebug bool `json:"asyncDebug"`
}

// DefaultRuntimeFlags returns the flag set with all three flags declared.
func DefaultRuntimeFlags() RuntimeFlags {
	return RuntimeFlags{Unbuffered: true, NoBytecode: true, AsyncDebug: true}
}

// FlagNames returns the variable names of every recognized flag, declared
// or not. An undeclared flag must not be inherited from the caller's
// environment either.
func (RuntimeFlags) FlagNames() []string {
	return []string{EnvUnbuffered, EnvNoBytecode, EnvAsyncDebug}
}

// Env returns the flags as KEY=VALUE pairs in a fixed order.
func (f RuntimeFlags) Env() []string {
	var env []string
	if f.Unbuffered {
		env = append(env, EnvUnbuffered+"=1")
	}
	if f.NoBytecode {
		env = append(env, EnvNoBytecode+"=1")
	}
	if f.AsyncDebug {
		env = append(env, EnvAsyncDebug+"=0")
	}
	return env
}

// PortContract documents which port the entrypoint is expected to bind.
// It is never enforced and never bound by the bootstrap itself.
type PortContract struct {
	// Port is the declared container port. Zero means no port is declared.
	Port int `json:"port,omitempty"`

	// Protocol is "tcp" or "udp". Defaults to "tcp".
	Protocol string `json:"protocol,omitempty"`
}

// Declared reports whether a port has been declared.
func (p PortContract) Declared() bool {
	return p.Port != 0
}

// Validate checks the port range and protocol of a declared port.
// An undeclared contract is always valid.
func (p *PortContract) Validate() error {
	if !p.Declared() {
		return nil
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port contract: port %d out of range (1-65535)", p.Port)
	}
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.Protocol != "tcp" && p.Protocol != "udp" {
		return fmt.Errorf("port contract: invalid protocol %q (valid: tcp, udp)", p.Protocol)
	}
	return nil
}

// String returns "8000/tcp", or "-" when no port is declared.
func (p PortContract) String() string {
	if !p.Declared() {
		return "-"
	}
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.Port, proto)
}

// Entrypoint identifies the single process launched at container start.
type Entrypoint struct {
	// Interpreter is the executable that runs the program, e.g. "python".
	Interpreter string `json:"interpreter"`

	// Path is the program path relative to the working directory.
	Path string `json:"path"`
}

// Argv returns the full invocation. No further arguments are ever added.
func (e Entrypoint) Argv() []string {
	return []string{e.Interpreter, e.Path}
}

// String returns the invocation as a single shell-like string.
func (e Entrypoint) String() string {
	return e.Interpreter + " " + e.Path
}

// Validate checks that both parts of the invocation are present and that
// the path stays inside the working directory.
func (e Entrypoint) Validate() error {
	if strings.TrimSpace(e.Interpreter) == "" {
		return fmt.Errorf("entrypoint: interpreter must not be empty")
	}
	if strings.TrimSpace(e.Path) == "" {
		return fmt.Errorf("entrypoint: path must not be empty")
	}
	if strings.HasPrefix(e.Path, "/") || strings.HasPrefix(e.Path, "..") {
		return fmt.Errorf("entrypoint: path %q must be relative to the working directory", e.Path)
	}
	return nil
}

// nameRegex validates image and container names: lowercase alphanumerics
// separated by single '.', '_' or '-'.
var nameRegex = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)

// ValidateName checks if the given name is usable as a container name and
// as the repository part of an image tag.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid name %q: must be lowercase alphanumerics separated by '.', '_' or '-'", name)
	}
	return nil
}

// ContainerInfo holds runtime information about a Docker container.
// This data is fetched dynamically from the Docker API, not persisted.
type ContainerInfo struct {
	// ContainerID is the unique Docker container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable Docker container name.
	ContainerName string `json:"containerName"`

	// Image is the image reference the container was created from.
	Image string `json:"image"`

	// Status is the Docker container state (e.g., "running", "exited").
	Status string `json:"status"`

	// Labels is the full set of Docker labels on the container.
	Labels map[string]string `json:"labels,omitempty"`
}

// ExitCode defines the process exit codes of svcboot itself. Once the
// entrypoint has started, svcboot exits with the entrypoint's own code
// instead.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigInvalid indicates the configuration or manifest is invalid.
	ExitConfigInvalid ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	ExitDockerNotRunning ExitCode = 3

	// ExitEnvironmentAcquisition indicates the base runtime could not be acquired.
	ExitEnvironmentAcquisition ExitCode = 10

	// ExitSystemPackageInstall indicates system prerequisites failed to install.
	ExitSystemPackageInstall ExitCode = 11

	// ExitDependencyInstall indicates the dependency manifest failed to install.
	ExitDependencyInstall ExitCode = 12

	// ExitSourceMaterialize indicates the source tree could not be copied.
	ExitSourceMaterialize ExitCode = 13

	// ExitEntrypointStart indicates the entrypoint process could not be started.
	ExitEntrypointStart ExitCode = 14
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
