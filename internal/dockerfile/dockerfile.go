// Package dockerfile renders the image definition for the bootstrap and
// reasons about its layers.
//
// The instruction order is the bootstrap contract expressed as a layered
// build:
//
//	FROM        acquire base runtime
//	RUN         install system prerequisites, index cache removed on all paths
//	WORKDIR
//	COPY        dependency manifest only
//	RUN         install declared dependencies without a download cache
//	COPY . .    materialize source
//	ENV         runtime flags
//	EXPOSE      optional port contract (documentation only)
//	CMD         start entrypoint
//
// Because the manifest is copied and installed before the source tree, a
// change that touches only source files leaves every layer up to and
// including the dependency install untouched in a layered build cache.
package dockerfile

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/shinji-kodama/svcboot/internal/config"
	"github.com/shinji-kodama/svcboot/internal/model"
)

// Name is the file name used for the generated Dockerfile inside the build
// context.
const Name = "Dockerfile.svcboot"

// Purpose identifies which bootstrap step an instruction implements.
type Purpose string

const (
	PurposeBase           Purpose = "base-runtime"
	PurposeSystemPackages Purpose = "system-packages"
	PurposeWorkDir        Purpose = "workdir"
	PurposeManifest       Purpose = "manifest"
	PurposeDependencies   Purpose = "dependencies"
	PurposeSource         Purpose = "source"
	PurposeFlags          Purpose = "runtime-flags"
	PurposePort           Purpose = "port-contract"
	PurposeEntrypoint     Purpose = "entrypoint"
)

// Kind returns the error kind reported when the instruction fails to build.
func (p Purpose) Kind() model.ErrorKind {
	switch p {
	case PurposeBase:
		return model.KindEnvironmentAcquisition
	case PurposeSystemPackages:
		return model.KindSystemPackageInstall
	case PurposeManifest, PurposeDependencies:
		return model.KindDependencyInstall
	case PurposeWorkDir, PurposeSource:
		return model.KindSourceMaterialize
	default:
		return model.KindEntrypointStart
	}
}

// Instruction is one rendered Dockerfile instruction.
type Instruction struct {
	// Step is the 1-based position, matching "Step N/M" in build output.
	Step    int
	Command string
	Args    string
	Purpose Purpose
}

// String renders the instruction as a Dockerfile line.
func (i Instruction) String() string {
	return i.Command + " " + i.Args
}

// Spec holds everything needed to render the image definition.
type Spec struct {
	BaseImage      string
	SystemPackages []string
	AptListsDir    string
	WorkDir        string

	// Manifest is the slash-separated manifest path relative to the build
	// context root.
	Manifest string

	Interpreter string
	Flags       model.RuntimeFlags
	Port        model.PortContract
	Entrypoint  model.Entrypoint
}

// SpecFromConfig derives the render spec from the bootstrap configuration.
func SpecFromConfig(cfg *config.Config) Spec {
	return Spec{
		BaseImage:      cfg.BaseImage,
		SystemPackages: cfg.SystemPackages,
		AptListsDir:    cfg.AptListsDir,
		WorkDir:        cfg.WorkDir,
		Manifest:       path.Clean(strings.ReplaceAll(cfg.Manifest, "\\", "/")),
		Interpreter:    cfg.Interpreter,
		Flags:          cfg.RuntimeFlags(),
		Port:           cfg.PortContract(),
		Entrypoint:     cfg.EntrypointSpec(),
	}
}

// SystemPackagesCommand returns the shell command that installs the system
// packages and removes the package index cache whether or not the install
// succeeded, then exits with the install status.
func SystemPackagesCommand(pkgs []string, listsDir string) string {
	if listsDir == "" {
		listsDir = "/var/lib/apt/lists"
	}
	return fmt.Sprintf(
		"apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends %s; "+
			"status=$?; rm -rf %s/*; exit $status",
		strings.Join(pkgs, " "), strings.TrimSuffix(listsDir, "/"),
	)
}

// DependencyInstallArgs returns the installer arguments (after the
// interpreter) for a manifest path. No download cache is kept.
func DependencyInstallArgs(manifestPath string) []string {
	return []string{"-m", "pip", "install", "--no-cache-dir", "--no-input", "-r", manifestPath}
}

// Render produces the instruction list for spec.
func Render(spec Spec) []Instruction {
	var out []Instruction
	add := func(cmd, args string, p Purpose) {
		out = append(out, Instruction{Step: len(out) + 1, Command: cmd, Args: args, Purpose: p})
	}

	add("FROM", spec.BaseImage, PurposeBase)
	if len(spec.SystemPackages) > 0 {
		add("RUN", SystemPackagesCommand(spec.SystemPackages, spec.AptListsDir), PurposeSystemPackages)
	}
	add("WORKDIR", spec.WorkDir, PurposeWorkDir)
	add("COPY", spec.Manifest+" "+spec.Manifest, PurposeManifest)

	install := append([]string{spec.Interpreter}, DependencyInstallArgs(spec.Manifest)...)
	add("RUN", strings.Join(install, " "), PurposeDependencies)

	add("COPY", ". .", PurposeSource)

	env := spec.Flags.Env()
	if spec.Port.Declared() {
		env = append(env, model.EnvPort+"="+strconv.Itoa(spec.Port.Port))
	}
	if len(env) > 0 {
		add("ENV", strings.Join(env, " "), PurposeFlags)
	}
	if spec.Port.Declared() {
		add("EXPOSE", spec.Port.String(), PurposePort)
	}

	cmd, _ := json.Marshal(spec.Entrypoint.Argv())
	add("CMD", string(cmd), PurposeEntrypoint)

	return out
}

// Format renders instructions as Dockerfile text with a generated-file
// header.
func Format(instructions []Instruction) []byte {
	var b strings.Builder
	b.WriteString("# Generated by svcboot. DO NOT EDIT.\n")
	for _, in := range instructions {
		b.WriteString(in.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Lookup returns the instruction for a 1-based build step.
func Lookup(instructions []Instruction, step int) (Instruction, bool) {
	if step < 1 || step > len(instructions) {
		return Instruction{}, false
	}
	return instructions[step-1], true
}

// Validate checks the ordering guarantees of an instruction list:
// FROM first, dependencies installed before the source copy, flags set
// before the entrypoint, a single CMD last and at most one EXPOSE.
func Validate(instructions []Instruction) error {
	if len(instructions) == 0 || instructions[0].Command != "FROM" {
		return fmt.Errorf("dockerfile: first instruction must be FROM")
	}

	pos := make(map[Purpose]int)
	exposes := 0
	for i, in := range instructions {
		if _, dup := pos[in.Purpose]; dup && in.Purpose != PurposePort {
			return fmt.Errorf("dockerfile: %s declared more than once", in.Purpose)
		}
		pos[in.Purpose] = i
		if in.Command == "EXPOSE" {
			exposes++
		}
	}

	deps, hasDeps := pos[PurposeDependencies]
	manifestCopy, hasManifest := pos[PurposeManifest]
	source, hasSource := pos[PurposeSource]
	cmd, hasCmd := pos[PurposeEntrypoint]

	switch {
	case !hasDeps || !hasManifest || !hasSource || !hasCmd:
		return fmt.Errorf("dockerfile: manifest copy, dependency install, source copy and CMD are all required")
	case manifestCopy > deps:
		return fmt.Errorf("dockerfile: dependency manifest must be copied before it is installed")
	case deps > source:
		return fmt.Errorf("dockerfile: dependencies must be installed before the source is copied")
	case cmd != len(instructions)-1:
		return fmt.Errorf("dockerfile: CMD must be the last instruction")
	case exposes > 1:
		return fmt.Errorf("dockerfile: at most one port may be exposed")
	}
	if flags, ok := pos[PurposeFlags]; ok && flags > cmd {
		return fmt.Errorf("dockerfile: runtime flags must be set before the entrypoint")
	}
	return nil
}
