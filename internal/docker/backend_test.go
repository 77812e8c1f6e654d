package docker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/svcboot/internal/config"
	"github.com/shinji-kodama/svcboot/internal/dockerfile"
	"github.com/shinji-kodama/svcboot/internal/manifest"
	"github.com/shinji-kodama/svcboot/internal/model"
)

// newTestBackend returns a backend for a small service source tree with a
// requirements file, an ignore file and a file the ignore file excludes.
func newTestBackend(t *testing.T, eng *fakeEngine) *Backend {
	t.Helper()
	src := t.TempDir()
	for rel, content := range map[string]string{
		"main.py":          "print('hello')\n",
		"requirements.txt": "requests==2.31.0\n",
		".dockerignore":    "*.log\n",
		"debug.log":        "noise",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(src, rel), []byte(content), 0o644))
	}

	cfg := &config.Config{
		Name:           "svcboot-app",
		BaseImage:      "python:3.11-slim",
		Interpreter:    "python",
		Entrypoint:     "main.py",
		Manifest:       "requirements.txt",
		Source:         src,
		WorkDir:        "/app",
		SystemPackages: []string{"gcc"},
		AptListsDir:    "/var/lib/apt/lists",
		Flags:          config.Flags{Unbuffered: true, NoBytecode: true, AsyncDebug: true},
	}
	m, err := manifest.Load(cfg.ManifestPath())
	require.NoError(t, err)

	return &Backend{
		Config:   cfg,
		Manifest: m,
		Engine:   eng,
		Revision: "deadbeef",
		HostEnv:  []string{"PATH=/usr/bin"},
		Stdout:   &bytes.Buffer{},
		Stderr:   &bytes.Buffer{},
		Logger:   zerolog.Nop(),
	}
}

// existingImage is the image a previous build of b left behind.
func existingImage(b *Backend) image.Summary {
	return image.Summary{
		ID:       "sha256:feedface",
		RepoTags: []string{b.ImageTag()},
		Labels: BuildLabels(Metadata{
			Name:           b.Config.Name,
			Entrypoint:     b.Config.EntrypointSpec(),
			ManifestDigest: manifest.Digest(b.Manifest),
		}),
	}
}

// renderedLines returns the generated Dockerfile as one string per line.
func (b *Backend) renderedLines(t *testing.T) []string {
	t.Helper()
	instrs, err := b.Render()
	require.NoError(t, err)
	var lines []string
	for _, in := range instrs {
		lines = append(lines, in.String())
	}
	return lines
}

// TestBackend_BuildAndRun runs the whole image pipeline against a fake
// engine: pull, build with the generated Dockerfile, then run.
func TestBackend_BuildAndRun(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBackend(t, eng)
	eng.buildStream = successStream(b.renderedLines(t))

	p := b.Pipeline(nil, b.BuildSteps(), b.RunSteps())
	st, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, model.StageExited, st.Stage())
	assert.Equal(t, 0, st.ExitCode)
	assert.Equal(t, "sha256:feedface", b.ImageID)
	assert.Equal(t, []string{"python:3.11-slim"}, eng.pulled)

	// The build context holds the source minus ignored files, plus the
	// generated Dockerfile.
	assert.Contains(t, eng.contextFiles, "main.py")
	assert.Contains(t, eng.contextFiles, "requirements.txt")
	assert.NotContains(t, eng.contextFiles, "debug.log")
	df := eng.contextFiles[dockerfile.Name]
	require.NotEmpty(t, df)
	assert.Less(t, strings.Index(df, "pip install"), strings.Index(df, "COPY . ."))
	assert.Contains(t, df, `CMD ["python","main.py"]`)

	labels := eng.buildOptions[0].Labels
	assert.Equal(t, ManagedByValue, labels[LabelManagedBy])
	assert.Equal(t, "deadbeef", labels["org.opencontainers.image.revision"])
	assert.Equal(t, manifest.Digest(b.Manifest).String(), labels[LabelManifestDigest])

	require.Len(t, eng.created, 1)
	assert.Equal(t, "svcboot-app:latest", eng.created[0].Image)

	// The build completes three stages at once and records each of them.
	assert.Equal(t, []model.Stage{
		model.StageNotStarted,
		model.StageDependenciesInstalled,
		model.StageSourceMaterialized,
		model.StageFlagsApplied,
		model.StageRunning,
		model.StageExited,
	}, st.History)
}

// TestBackend_ExistingImage runs without building. The image found under
// the tag stands in for the build, so the stage history is the same as
// after a build and nothing is pulled or built.
func TestBackend_ExistingImage(t *testing.T) {
	eng := &fakeEngine{exitCode: 4}
	b := newTestBackend(t, eng)
	eng.images = []image.Summary{existingImage(b)}

	st, err := b.Pipeline(nil, b.ExistingImageSteps(), b.RunSteps()).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 4, st.ExitCode)
	assert.Equal(t, "sha256:feedface", b.ImageID)
	assert.Empty(t, eng.pulled)
	assert.Empty(t, eng.buildOptions)
	require.Len(t, eng.imageLists, 1)
	assert.Equal(t, []string{"svcboot-app:latest"}, eng.imageLists[0].Filters.Get("reference"))
	assert.Equal(t, []model.Stage{
		model.StageNotStarted,
		model.StageDependenciesInstalled,
		model.StageSourceMaterialized,
		model.StageFlagsApplied,
		model.StageRunning,
		model.StageExited,
	}, st.History)
}

// TestBackend_ExistingImageMissing checks that running without a build,
// when no image carries the tag, fails as EnvironmentAcquisitionFailed
// before any container is created.
func TestBackend_ExistingImageMissing(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBackend(t, eng)

	st, err := b.Pipeline(nil, b.ExistingImageSteps(), b.RunSteps()).Run(context.Background(), nil)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindEnvironmentAcquisition, kind)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, model.StageFailed, st.Stage())
	assert.Empty(t, eng.created)
}

// TestBackend_ExistingImageForeign rejects an image under the tag that
// svcboot did not build, since nothing says its stages were completed.
func TestBackend_ExistingImageForeign(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBackend(t, eng)
	eng.images = []image.Summary{{ID: "sha256:0ther", RepoTags: []string{b.ImageTag()}}}

	_, err := b.Pipeline(nil, b.ExistingImageSteps(), b.RunSteps()).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not built by svcboot")
	assert.Empty(t, eng.created)
}

// TestBackend_RunRequiresImageStages verifies the container step cannot be
// used on its own: the entrypoint would start with the dependency, source
// and flag stages never recorded, so it fails without creating anything.
func TestBackend_RunRequiresImageStages(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBackend(t, eng)

	st, err := b.Pipeline(nil, b.RunSteps()).Run(context.Background(), nil)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindEntrypointStart, kind)
	assert.Equal(t, model.StageFailed, st.Stage())
	assert.Empty(t, eng.created)
}

// TestBackend_RunTwice runs the service twice without --rm, as two
// consecutive "svcboot run" invocations would. The exited container of the
// first run must not block the second.
func TestBackend_RunTwice(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBackend(t, eng)
	eng.images = []image.Summary{existingImage(b)}

	for i := 0; i < 2; i++ {
		st, err := b.Pipeline(nil, b.ExistingImageSteps(), b.RunSteps()).Run(context.Background(), nil)
		require.NoError(t, err, "run %d", i+1)
		assert.Equal(t, model.StageExited, st.Stage())
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.created, 2)
	assert.Len(t, eng.removed, 1)
	require.Len(t, eng.containers, 1)
	assert.Equal(t, []string{"/svcboot-app"}, eng.containers[0].Names)
}

// TestBackend_DependencyFailureNeverStarts scripts a build that fails in the
// pip install step. The failure is classified as DependencyInstallFailed by
// the step it happened in, and no container is ever created.
func TestBackend_DependencyFailureNeverStarts(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBackend(t, eng)
	lines := b.renderedLines(t)

	var msgs []map[string]any
	for i := 0; i < 5; i++ {
		msgs = append(msgs, map[string]any{"stream": "Step " + strconv.Itoa(i+1) + "/8 : " + lines[i] + "\n"})
	}
	msgs = append(msgs,
		map[string]any{"stream": "ERROR: No matching distribution found for nonexistent-package-xyz\n"},
		map[string]any{"errorDetail": map[string]any{"message": "returned a non-zero code: 1"}, "error": "returned a non-zero code: 1"},
	)
	eng.buildStream = msgs

	st, err := b.Pipeline(nil, b.BuildSteps(), b.RunSteps()).Run(context.Background(), nil)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindDependencyInstall, kind)
	assert.Equal(t, model.StageFailed, st.Stage())
	assert.Empty(t, eng.created, "no container may be created after a failed build")
}

// TestBackend_RequiredEnv verifies that only the required variables are
// copied from the host into the container, and that a missing one stops
// the run before the container is created.
func TestBackend_RequiredEnv(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBackend(t, eng)
	eng.images = []image.Summary{existingImage(b)}
	b.Config.RequiredEnv = []string{"BINGX_API_KEY", "BINGX_SECRET_KEY"}
	b.HostEnv = []string{"BINGX_API_KEY=k", "BINGX_SECRET_KEY=s", "HOME=/root"}

	assert.Equal(t, []string{"BINGX_API_KEY=k", "BINGX_SECRET_KEY=s"}, b.ContainerEnv())

	_, err := b.Pipeline(nil, b.ExistingImageSteps(), b.RunSteps()).Run(context.Background(), nil)
	require.NoError(t, err)

	b.HostEnv = []string{"BINGX_API_KEY=k"}
	eng.created = nil
	_, err = b.Pipeline(nil, b.ExistingImageSteps(), b.RunSteps()).Run(context.Background(), nil)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, model.KindEntrypointStart, kind)
	assert.Empty(t, eng.created)
}

// TestBackend_SkipPull builds against the locally cached base image.
func TestBackend_SkipPull(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBackend(t, eng)
	b.SkipPull = true
	eng.buildStream = successStream(b.renderedLines(t))

	_, err := b.Pipeline(nil, b.BuildSteps()).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, eng.pulled)
	assert.Equal(t, "svcboot-app:latest", b.ImageTag())
}
