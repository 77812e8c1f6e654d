// Package local runs the bootstrap directly on the current host or inside
// an already running container, without building an image.
//
// It performs the same ordered steps as the image backend: probe the
// interpreter, install system packages, install the dependency manifest
// into a staging directory that is swapped in only on success, copy the
// source tree, fix the entrypoint environment and start the entrypoint.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/shinji-kodama/svcboot/internal/bootstrap"
	"github.com/shinji-kodama/svcboot/internal/config"
	"github.com/shinji-kodama/svcboot/internal/entrypoint"
	"github.com/shinji-kodama/svcboot/internal/manifest"
	"github.com/shinji-kodama/svcboot/internal/model"
	"github.com/shinji-kodama/svcboot/internal/srctree"
)

const (
	// SitePackagesDir is the directory under EnvDir holding installed
	// dependencies.
	SitePackagesDir = "site-packages"

	// DigestMarker records the manifest digest of a completed install.
	DigestMarker = ".manifest-digest"

	// outputTailLines bounds the installer output kept in errors.
	outputTailLines = 40
)

// Step names, shared with metrics labels.
const (
	StepAcquireRuntime    = "acquire-runtime"
	StepSystemPackages    = "install-system-packages"
	StepDependencies      = "install-dependencies"
	StepMaterializeSource = "materialize-source"
	StepApplyFlags        = "apply-runtime-flags"
	StepDeclarePort       = "declare-port"
	StepStartEntrypoint   = "start-entrypoint"
)

// Backend builds the local bootstrap pipeline.
type Backend struct {
	Config   *config.Config
	Manifest *model.Manifest

	Runner  Runner
	Starter entrypoint.Starter
	Signals <-chan os.Signal

	// BaseEnv is the environment the entrypoint inherits. Defaults to
	// os.Environ().
	BaseEnv []string

	Stdout io.Writer
	Stderr io.Writer
	Logger zerolog.Logger
}

// Pipeline returns the ordered bootstrap steps.
func (b *Backend) Pipeline(obs bootstrap.Observer) *bootstrap.Pipeline {
	return &bootstrap.Pipeline{
		Logger:   b.Logger,
		Observer: obs,
		Steps: []bootstrap.Step{
			bootstrap.Func{StepName: StepAcquireRuntime, StepKind: model.KindEnvironmentAcquisition, Fn: b.acquireRuntime},
			bootstrap.Func{StepName: StepSystemPackages, StepKind: model.KindSystemPackageInstall, Fn: b.installSystemPackages},
			bootstrap.Func{StepName: StepDependencies, StepKind: model.KindDependencyInstall, StepStage: model.StageDependenciesInstalled, Fn: b.installDependencies},
			bootstrap.Func{StepName: StepMaterializeSource, StepKind: model.KindSourceMaterialize, StepStage: model.StageSourceMaterialized, Fn: b.materializeSource},
			bootstrap.Func{StepName: StepApplyFlags, StepKind: model.KindEntrypointStart, StepStage: model.StageFlagsApplied, Fn: b.applyFlags},
			bootstrap.Func{StepName: StepDeclarePort, StepKind: model.KindEntrypointStart, Fn: b.declarePort},
			bootstrap.Func{StepName: StepStartEntrypoint, StepKind: model.KindEntrypointStart, StepStage: model.StageExited, Fn: b.startEntrypoint},
		},
	}
}

func (b *Backend) baseEnv() []string {
	if b.BaseEnv != nil {
		return b.BaseEnv
	}
	return os.Environ()
}

// SitePackages returns the directory dependencies are installed into.
func (b *Backend) SitePackages() string {
	return filepath.Join(b.Config.EnvDir, SitePackagesDir)
}

// inPlace reports whether the source tree already is the working directory.
func (b *Backend) inPlace() bool {
	return filepath.Clean(b.Config.Source) == filepath.Clean(b.Config.WorkDir)
}

func (b *Backend) acquireRuntime(ctx context.Context, _ *bootstrap.State) error {
	interp := b.Config.Interpreter
	path, err := b.Runner.LookPath(interp)
	if err != nil {
		return fmt.Errorf("interpreter %q not found: %w", interp, err)
	}

	out, err := b.Runner.Run(ctx, Command{Argv: []string{path, "--version"}, Env: b.baseEnv()})
	if err != nil {
		return &model.BootstrapError{Kind: model.KindEnvironmentAcquisition, Output: string(out), Err: err}
	}

	version := ParseVersion(string(out))
	if want := b.Config.RuntimeVersion; want != "" && !VersionMatches(version, want) {
		return fmt.Errorf("interpreter %s reports version %q, want %s", path, version, want)
	}
	b.Logger.Info().Str("interpreter", path).Str("version", version).Msg("runtime acquired")
	return nil
}

// ParseVersion extracts the first dotted version number from the output of
// "<interpreter> --version", e.g. "3.11.4" from "Python 3.11.4".
func ParseVersion(out string) string {
	for _, field := range strings.Fields(out) {
		if field[0] >= '0' && field[0] <= '9' {
			return field
		}
	}
	return ""
}

// VersionMatches reports whether version equals want or starts with want
// followed by a dot.
func VersionMatches(version, want string) bool {
	return version == want || strings.HasPrefix(version, want+".")
}

func (b *Backend) installSystemPackages(ctx context.Context, _ *bootstrap.State) (err error) {
	pkgs := b.Config.SystemPackages
	if len(pkgs) == 0 {
		b.Logger.Debug().Msg("no system packages declared")
		return nil
	}

	// The index cache goes on every path, including failure and cancellation.
	defer func() {
		if cerr := CleanDir(b.Config.AptListsDir); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove package index cache: %w", cerr))
		}
	}()

	env := append(append([]string{}, b.baseEnv()...), "DEBIAN_FRONTEND=noninteractive")
	cmds := []Command{
		{Argv: []string{"apt-get", "update"}, Env: env},
		{Argv: append([]string{"apt-get", "install", "-y", "--no-install-recommends"}, pkgs...), Env: env},
	}
	for _, cmd := range cmds {
		b.Logger.Debug().Str("cmd", cmd.String()).Msg("running")
		if out, err := b.Runner.Run(ctx, cmd); err != nil {
			return &model.BootstrapError{Kind: model.KindSystemPackageInstall, Output: Tail(string(out), outputTailLines), Err: err}
		}
	}
	b.Logger.Info().Strs("packages", pkgs).Msg("system packages installed")
	return nil
}

// CleanDir removes the contents of dir, keeping dir itself. A missing
// directory is not an error.
func CleanDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) installDependencies(ctx context.Context, _ *bootstrap.State) error {
	want := manifest.Digest(b.Manifest)
	site := b.SitePackages()

	if got, err := os.ReadFile(filepath.Join(site, DigestMarker)); err == nil && digest.Digest(strings.TrimSpace(string(got))) == want {
		b.Logger.Info().Str("digest", want.String()).Msg("dependencies up to date")
		return nil
	}

	if err := os.MkdirAll(b.Config.EnvDir, 0o755); err != nil {
		return fmt.Errorf("failed to create env dir: %w", err)
	}
	staging, err := os.MkdirTemp(b.Config.EnvDir, ".staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if b.Manifest.Len() > 0 {
		argv := []string{b.Config.Interpreter, "-m", "pip", "install", "--no-cache-dir", "--no-input",
			"--target", staging, "-r", b.Config.ManifestPath()}
		b.Logger.Info().Int("requirements", b.Manifest.Len()).Msg("installing dependencies")
		out, err := b.Runner.Run(ctx, Command{Argv: argv, Env: b.baseEnv(), Dir: b.Config.Source})
		if err != nil {
			return &model.BootstrapError{Kind: model.KindDependencyInstall, Output: Tail(string(out), outputTailLines), Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(staging, DigestMarker), []byte(want.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write digest marker: %w", err)
	}
	if err := SwapDir(staging, site); err != nil {
		return err
	}
	committed = true

	b.Logger.Info().Str("path", site).Str("digest", want.String()).Msg("dependencies installed")
	return nil
}

// SwapDir replaces target with staging. The previous target, if any, is
// moved aside first and removed only after staging is in place.
func SwapDir(staging, target string) error {
	var old string
	if _, err := os.Lstat(target); err == nil {
		old = target + ".old-" + strconv.Itoa(os.Getpid())
		_ = os.RemoveAll(old)
		if err := os.Rename(target, old); err != nil {
			return fmt.Errorf("failed to move %s aside: %w", target, err)
		}
	}

	if err := os.Rename(staging, target); err != nil {
		if old != "" {
			_ = os.Rename(old, target)
		}
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}

	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

func (b *Backend) materializeSource(ctx context.Context, _ *bootstrap.State) error {
	if b.inPlace() {
		b.Logger.Info().Str("path", b.Config.WorkDir).Msg("source already in place")
		return nil
	}
	if b.Config.EnvDirInWorkDir() {
		return fmt.Errorf("env dir %s is inside work dir %s and would be replaced by the source", b.Config.EnvDir, b.Config.WorkDir)
	}

	var extra []string
	for _, dir := range []string{b.Config.EnvDir, b.Config.WorkDir} {
		if rel, err := filepath.Rel(b.Config.Source, dir); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
			extra = append(extra, "/"+filepath.ToSlash(rel)+"/")
		}
	}
	m, err := srctree.LoadMatcher(b.Config.Source, extra...)
	if err != nil {
		return err
	}

	parent := filepath.Dir(b.Config.WorkDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(b.Config.WorkDir)+".staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := srctree.Copy(ctx, b.Config.Source, staging, m); err != nil {
		return err
	}
	if err := SwapDir(staging, b.Config.WorkDir); err != nil {
		return err
	}
	committed = true

	b.Logger.Info().Str("from", b.Config.Source).Str("to", b.Config.WorkDir).Msg("source materialized")
	return nil
}

// Env builds the entrypoint environment: base, runtime flags, the
// dependency path and the declared port. Flag variables in the base are
// dropped so only the configured flag set reaches the entrypoint.
func (b *Backend) Env() []string {
	flags := b.Config.RuntimeFlags()
	base := entrypoint.UnsetEnv(b.baseEnv(), flags.FlagNames()...)

	pythonPath := b.SitePackages()
	for _, kv := range base {
		if v, ok := strings.CutPrefix(kv, "PYTHONPATH="); ok && v != "" {
			pythonPath += string(os.PathListSeparator) + v
		}
	}

	overlay := append(flags.Env(), "PYTHONPATH="+pythonPath)
	if pc := b.Config.PortContract(); pc.Declared() {
		overlay = append(overlay, model.EnvPort+"="+strconv.Itoa(pc.Port))
	}
	return entrypoint.MergeEnv(base, overlay)
}

func (b *Backend) applyFlags(_ context.Context, st *bootstrap.State) error {
	st.Env = b.Env()
	b.Logger.Debug().Strs("flags", b.Config.RuntimeFlags().Env()).Msg("runtime flags applied")
	return nil
}

// declarePort only records the contract. Nothing is bound here; the
// entrypoint owns the port.
func (b *Backend) declarePort(_ context.Context, _ *bootstrap.State) error {
	if pc := b.Config.PortContract(); pc.Declared() {
		b.Logger.Info().Str("port", pc.String()).Msg("port declared")
	}
	return nil
}

func (b *Backend) startEntrypoint(ctx context.Context, st *bootstrap.State) error {
	if missing := entrypoint.MissingEnv(st.Env, b.Config.RequiredEnv); len(missing) > 0 {
		return fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}

	dir := b.Config.WorkDir
	if b.inPlace() {
		dir = b.Config.Source
	}
	stdout, stderr := b.Stdout, b.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var advanceErr error
	l := &entrypoint.Launcher{
		Starter: b.Starter,
		Signals: b.Signals,
		Logger:  b.Logger,
		OnStart: func(int) { advanceErr = st.Advance(model.StageRunning) },
	}
	code, err := l.Run(ctx, entrypoint.Spec{
		Argv:   b.Config.EntrypointSpec().Argv(),
		Dir:    dir,
		Env:    st.Env,
		Stdin:  os.Stdin,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return err
	}
	if advanceErr != nil {
		return advanceErr
	}
	st.ExitCode = code
	return nil
}

// Tail returns the last n lines of s.
func Tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
