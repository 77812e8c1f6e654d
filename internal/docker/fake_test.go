package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeEngine is an in-memory Engine. Build output, container logs and the
// exit code are scripted; every call is recorded. Created containers are
// kept like the daemon keeps them: a name can only be used once until the
// container holding it is removed.
type fakeEngine struct {
	mu sync.Mutex

	pullErr     error
	buildStream []map[string]any
	buildErr    error
	createErr   error
	startErr    error
	stdout      string
	stderr      string
	exitCode    int64

	pulled       []string
	buildOptions []build.ImageBuildOptions
	contextFiles map[string]string
	created      []*container.Config
	hostConfigs  []*container.HostConfig
	started      []string
	removed      []string
	killed       []string
	listOptions  []container.ListOptions
	listResult   []container.Summary
	exitReleased chan struct{}

	images     []image.Summary
	imageErr   error
	imageLists []image.ListOptions
	containers []container.Summary
}

var _ Engine = (*fakeEngine)(nil)

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(bytes.NewBufferString(`{"status":"Pulling from library/python"}` + "\n" + `{"status":"Status: Image is up to date"}` + "\n")), nil
}

// ImageBuild unpacks the tar context so tests can inspect it.
func (f *fakeEngine) ImageBuild(_ context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	files := map[string]string{}
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		data, _ := io.ReadAll(tr)
		files[hdr.Name] = string(data)
	}
	_, _ = io.Copy(io.Discard, buildContext)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildOptions = append(f.buildOptions, options)
	f.contextFiles = files
	if f.buildErr != nil {
		return build.ImageBuildResponse{}, f.buildErr
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, msg := range f.buildStream {
		_ = enc.Encode(msg)
	}
	return build.ImageBuildResponse{Body: io.NopCloser(&body)}, nil
}

// ImageList only supports the "reference" filter.
func (f *fakeEngine) ImageList(_ context.Context, options image.ListOptions) ([]image.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageLists = append(f.imageLists, options)
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	var out []image.Summary
	for _, ref := range options.Filters.Get("reference") {
		for _, img := range f.images {
			if slices.Contains(img.RepoTags, ref) {
				out = append(out, img)
			}
		}
	}
	return out, nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	if name != "" && f.indexByName(name) >= 0 {
		return container.CreateResponse{}, fmt.Errorf("conflict: the container name %q is already in use", "/"+name)
	}
	id := fmt.Sprintf("0123456789abcdef%04d", 123+len(f.created))
	f.created = append(f.created, cfg)
	f.hostConfigs = append(f.hostConfigs, host)
	f.containers = append(f.containers, container.Summary{
		ID:     id,
		Names:  []string{"/" + name},
		Image:  cfg.Image,
		State:  "created",
		Labels: cfg.Labels,
	})
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	f.setState(id, "running")
	return nil
}

func (f *fakeEngine) ContainerWait(_ context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	respCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	f.mu.Lock()
	release := f.exitReleased
	f.mu.Unlock()
	go func() {
		if release != nil {
			<-release
		}
		f.mu.Lock()
		f.setState(id, "exited")
		code := f.exitCode
		f.mu.Unlock()
		respCh <- container.WaitResponse{StatusCode: code}
	}()
	return respCh, errCh
}

func (f *fakeEngine) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) ContainerKill(_ context.Context, _ string, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, signal)
	if f.exitReleased != nil && signal == "SIGTERM" {
		close(f.exitReleased)
		f.exitReleased = nil
	}
	return nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	f.containers = slices.DeleteFunc(f.containers, func(c container.Summary) bool { return c.ID == id })
	return nil
}

// ContainerList returns listResult when it is scripted, and otherwise the
// containers created so far that match every requested label filter.
func (f *fakeEngine) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOptions = append(f.listOptions, options)
	if f.listResult != nil {
		return f.listResult, nil
	}

	var out []container.Summary
	for _, c := range f.containers {
		match := true
		for _, want := range options.Filters.Get("label") {
			k, v, _ := strings.Cut(want, "=")
			if c.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out, nil
}

// indexByName must be called with mu held.
func (f *fakeEngine) indexByName(name string) int {
	return slices.IndexFunc(f.containers, func(c container.Summary) bool {
		return slices.Contains(c.Names, "/"+name)
	})
}

// setState must be called with mu held.
func (f *fakeEngine) setState(id, state string) {
	for i := range f.containers {
		if f.containers[i].ID == id {
			f.containers[i].State = state
		}
	}
}

// successStream is classic builder output for a successful build of a
// rendered instruction list with n steps.
func successStream(steps []string) []map[string]any {
	var msgs []map[string]any
	for i, s := range steps {
		msgs = append(msgs,
			map[string]any{"stream": "Step " + strconv.Itoa(i+1) + "/" + strconv.Itoa(len(steps)) + " : " + s + "\n"},
			map[string]any{"stream": " ---> abc" + strconv.Itoa(i) + "\n"},
		)
	}
	msgs = append(msgs,
		map[string]any{"aux": map[string]any{"ID": "sha256:feedface"}},
		map[string]any{"stream": "Successfully built feedface\n"},
	)
	return msgs
}
