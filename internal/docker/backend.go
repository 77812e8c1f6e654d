package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/shinji-kodama/svcboot/internal/bootstrap"
	"github.com/shinji-kodama/svcboot/internal/config"
	"github.com/shinji-kodama/svcboot/internal/dockerfile"
	"github.com/shinji-kodama/svcboot/internal/entrypoint"
	"github.com/shinji-kodama/svcboot/internal/manifest"
	"github.com/shinji-kodama/svcboot/internal/model"
	"github.com/shinji-kodama/svcboot/internal/srctree"
)

// Step names of the image backend.
const (
	StepPullBase     = "pull-base-image"
	StepBuildImage   = "build-image"
	StepUseImage     = "use-existing-image"
	StepRunContainer = "run-container"
)

// Backend runs the bootstrap as an image build followed by a container
// run. The build covers everything up to the runtime flags and records
// dependencies-installed, source-materialized and flags-applied in that
// order once it succeeds; the container start is the entrypoint start.
type Backend struct {
	Config   *config.Config
	Manifest *model.Manifest
	Engine   Engine

	// Tag defaults to "<name>:latest".
	Tag      string
	Revision string
	NoCache  bool
	SkipPull bool

	// HostPort publishes the declared port on the host. Zero keeps it
	// unpublished.
	HostPort int
	Remove   bool

	// HostEnv is where required variables are taken from. Defaults to
	// os.Environ().
	HostEnv []string

	Progress Progress
	Stdout   io.Writer
	Stderr   io.Writer
	Signals  <-chan os.Signal
	Logger   zerolog.Logger

	// ImageID is set by a successful build.
	ImageID string
}

// ImageTag returns the tag the image is built as and run from.
func (b *Backend) ImageTag() string {
	if b.Tag != "" {
		return b.Tag
	}
	return b.Config.Name + ":latest"
}

// BuildSteps returns the steps that produce the image.
func (b *Backend) BuildSteps() []bootstrap.Step {
	var steps []bootstrap.Step
	if !b.SkipPull {
		steps = append(steps, bootstrap.Func{StepName: StepPullBase, StepKind: model.KindEnvironmentAcquisition, Fn: b.pull})
	}
	// Build failures inside the Dockerfile carry their own kind. What is
	// left is producing and uploading the build context.
	return append(steps, bootstrap.Func{
		StepName:  StepBuildImage,
		StepKind:  model.KindSourceMaterialize,
		StepStage: model.StageFlagsApplied,
		Fn:        b.build,
	})
}

// ExistingImageSteps replaces BuildSteps when the image was built earlier.
// The build stages are recorded as satisfied by that image.
func (b *Backend) ExistingImageSteps() []bootstrap.Step {
	return []bootstrap.Step{bootstrap.Func{
		StepName:  StepUseImage,
		StepKind:  model.KindEnvironmentAcquisition,
		StepStage: model.StageFlagsApplied,
		Fn:        b.useImage,
	}}
}

// RunSteps returns the step that starts the entrypoint container. It must
// follow BuildSteps or ExistingImageSteps.
func (b *Backend) RunSteps() []bootstrap.Step {
	return []bootstrap.Step{bootstrap.Func{
		StepName:  StepRunContainer,
		StepKind:  model.KindEntrypointStart,
		StepStage: model.StageExited,
		Fn:        b.run,
	}}
}

// Pipeline assembles steps into a pipeline.
func (b *Backend) Pipeline(obs bootstrap.Observer, steps ...[]bootstrap.Step) *bootstrap.Pipeline {
	p := &bootstrap.Pipeline{Logger: b.Logger, Observer: obs}
	for _, s := range steps {
		p.Steps = append(p.Steps, s...)
	}
	return p
}

func (b *Backend) pull(ctx context.Context, _ *bootstrap.State) error {
	b.Logger.Info().Str("image", b.Config.BaseImage).Msg("pulling base image")
	return PullImage(ctx, b.Engine, b.Config.BaseImage, b.Progress)
}

// Render returns the instructions for the configured image.
func (b *Backend) Render() ([]dockerfile.Instruction, error) {
	instrs := dockerfile.Render(dockerfile.SpecFromConfig(b.Config))
	if err := dockerfile.Validate(instrs); err != nil {
		return nil, err
	}
	return instrs, nil
}

func (b *Backend) build(ctx context.Context, st *bootstrap.State) error {
	instrs, err := b.Render()
	if err != nil {
		return err
	}

	m, err := srctree.LoadMatcher(b.Config.Source)
	if err != nil {
		return err
	}
	srcDigest, err := srctree.Digest(ctx, b.Config.Source, m)
	if err != nil {
		return fmt.Errorf("failed to digest source tree: %w", err)
	}

	labels := BuildLabels(Metadata{
		Name:           b.Config.Name,
		Entrypoint:     b.Config.EntrypointSpec(),
		ManifestDigest: manifest.Digest(b.Manifest),
		SourceDigest:   srcDigest,
		Port:           b.Config.PortContract(),
		Revision:       b.Revision,
		Created:        time.Now(),
		Extra:          b.Config.Labels,
	})

	pr, pw := io.Pipe()
	go func() {
		inject := map[string][]byte{dockerfile.Name: dockerfile.Format(instrs)}
		pw.CloseWithError(srctree.WriteTar(ctx, pw, b.Config.Source, m, inject))
	}()
	defer pr.Close()

	b.Logger.Info().Str("tag", b.ImageTag()).Str("source", shortDigest(srcDigest)).Msg("building image")
	id, err := BuildImage(ctx, b.Engine, BuildRequest{
		Tag:          b.ImageTag(),
		Instructions: instrs,
		Context:      pr,
		Labels:       labels,
		NoCache:      b.NoCache,
		Progress:     b.Progress.Out,
	}, b.Logger)
	if err != nil {
		return err
	}

	b.ImageID = id
	b.Logger.Info().Str("image", id).Str("tag", b.ImageTag()).Msg("image built")
	return st.AdvanceThrough(model.StageFlagsApplied)
}

func (b *Backend) useImage(ctx context.Context, st *bootstrap.State) error {
	img, err := FindImage(ctx, b.Engine, b.ImageTag())
	if err != nil {
		return err
	}
	b.ImageID = img.ID

	meta, err := ParseLabels(img.Labels)
	if err != nil {
		return fmt.Errorf("image %s was not built by svcboot: %w", b.ImageTag(), err)
	}
	if want := manifest.Digest(b.Manifest); meta.ManifestDigest != "" && meta.ManifestDigest != want {
		b.Logger.Warn().
			Str("image", b.ImageTag()).
			Str("built", shortDigest(meta.ManifestDigest)).
			Str("current", shortDigest(want)).
			Msg("image was built from a different dependency manifest")
	}
	b.Logger.Info().Str("image", shortDigest(digest.Digest(img.ID))).Str("tag", b.ImageTag()).Msg("using existing image")
	return st.AdvanceThrough(model.StageFlagsApplied)
}

// ContainerEnv returns the variables passed to the container: the
// required variables, copied from the host. Runtime flags and the port
// are already part of the image.
func (b *Backend) ContainerEnv() []string {
	host := b.HostEnv
	if host == nil {
		host = os.Environ()
	}

	var env []string
	for _, name := range b.Config.RequiredEnv {
		for _, kv := range host {
			if strings.HasPrefix(kv, name+"=") {
				env = append(env, kv)
			}
		}
	}
	return env
}

func (b *Backend) run(ctx context.Context, st *bootstrap.State) error {
	if st.Stage() != model.StageFlagsApplied {
		return fmt.Errorf("cannot start the entrypoint in stage %s: the image stages have not completed", st.Stage())
	}

	env := b.ContainerEnv()
	if missing := entrypoint.MissingEnv(env, b.Config.RequiredEnv); len(missing) > 0 {
		return fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	st.Env = env

	var advanceErr error
	code, err := RunContainer(ctx, b.Engine, RunRequest{
		Name:     b.Config.Name,
		Image:    b.ImageTag(),
		Env:      env,
		Labels:   b.containerLabels(),
		Port:     b.Config.PortContract(),
		HostPort: b.HostPort,
		Remove:   b.Remove,
		Stdout:   b.Stdout,
		Stderr:   b.Stderr,
		Signals:  b.Signals,
		OnStart:  func(string) { advanceErr = st.Advance(model.StageRunning) },
	}, b.Logger)
	if err != nil {
		return err
	}
	if advanceErr != nil {
		return advanceErr
	}
	st.ExitCode = code
	return nil
}

func (b *Backend) containerLabels() map[string]string {
	labels := BuildLabels(Metadata{
		Name:       b.Config.Name,
		Entrypoint: b.Config.EntrypointSpec(),
		Port:       b.Config.PortContract(),
		Revision:   b.Revision,
		Extra:      b.Config.Labels,
	})
	if b.HostPort != 0 {
		labels[LabelHostPort] = strconv.Itoa(b.HostPort)
	}
	return labels
}

func shortDigest(d digest.Digest) string {
	if err := d.Validate(); err != nil {
		return d.String()
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return d.Algorithm().String() + ":" + enc
}
