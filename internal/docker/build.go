package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog"

	"github.com/shinji-kodama/svcboot/internal/dockerfile"
	"github.com/shinji-kodama/svcboot/internal/model"
)

// outputTailLines bounds the build output kept for a failed step.
const outputTailLines = 40

// stepRegex matches the classic builder's step header, e.g.
// "Step 5/9 : RUN python -m pip install ...".
var stepRegex = regexp.MustCompile(`^Step (\d+)/(\d+) : `)

// Progress is where pull and build progress is rendered.
type Progress struct {
	Out io.Writer

	// FD and IsTerminal enable cursor-based progress bars, as in the docker
	// CLI. When IsTerminal is false each update is printed on its own line.
	FD         uintptr
	IsTerminal bool
}

// PullImage pulls ref. Any failure means the base runtime could not be
// acquired.
func PullImage(ctx context.Context, eng Engine, ref string, progress Progress) error {
	rc, err := eng.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return model.NewBootstrapError(model.KindEnvironmentAcquisition, "pull-base-image",
			fmt.Errorf("failed to pull %s: %w", ref, err))
	}
	defer rc.Close()

	out := progress.Out
	if out == nil {
		out = io.Discard
	}
	if err := jsonmessage.DisplayJSONMessagesStream(rc, out, progress.FD, progress.IsTerminal, nil); err != nil {
		return model.NewBootstrapError(model.KindEnvironmentAcquisition, "pull-base-image",
			fmt.Errorf("failed to pull %s: %w", ref, err))
	}
	return nil
}

// FindImage returns the local image tagged ref. A missing image is an
// EnvironmentAcquisitionFailed error: there is nothing to run.
func FindImage(ctx context.Context, eng Engine, ref string) (image.Summary, error) {
	images, err := eng.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return image.Summary{}, model.NewBootstrapError(model.KindEnvironmentAcquisition, StepUseImage,
			fmt.Errorf("failed to list images: %w", err))
	}
	if len(images) == 0 {
		return image.Summary{}, model.NewBootstrapError(model.KindEnvironmentAcquisition, StepUseImage,
			fmt.Errorf("image %s not found; build it first", ref))
	}
	return images[0], nil
}

// BuildRequest describes one image build.
type BuildRequest struct {
	Tag          string
	Instructions []dockerfile.Instruction

	// Context is the tar build context. It must contain dockerfile.Name.
	Context io.Reader

	Labels   map[string]string
	NoCache  bool
	Progress io.Writer
}

// BuildImage builds the image with the classic builder, whose "Step N/M"
// output lets a failure be mapped back to the rendered instruction and so
// to its error kind. It returns the image ID.
func BuildImage(ctx context.Context, eng Engine, req BuildRequest, log zerolog.Logger) (string, error) {
	resp, err := eng.ImageBuild(ctx, req.Context, build.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  dockerfile.Name,
		Labels:      req.Labels,
		NoCache:     req.NoCache,
		Remove:      true,
		ForceRemove: true,
		Version:     build.BuilderV1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	return ReadBuildStream(resp.Body, req.Instructions, req.Progress, log)
}

// buildAux is the auxiliary message carrying the built image ID.
type buildAux struct {
	ID string `json:"ID"`
}

// ReadBuildStream consumes a classic builder JSON message stream, copying
// build output to progress. A failed step is returned as a
// *model.BootstrapError whose kind comes from the instruction's purpose.
func ReadBuildStream(r io.Reader, instructions []dockerfile.Instruction, progress io.Writer, log zerolog.Logger) (string, error) {
	if progress == nil {
		progress = io.Discard
	}

	var (
		imageID string
		step    int
		output  []string
	)

	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("failed to decode build output: %w", err)
		}

		if msg.Aux != nil {
			var aux buildAux
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.ID != "" {
				imageID = aux.ID
			}
		}

		if msg.Stream != "" {
			fmt.Fprint(progress, msg.Stream)
			for _, line := range strings.Split(strings.TrimRight(msg.Stream, "\n"), "\n") {
				if m := stepRegex.FindStringSubmatch(line); m != nil {
					step, _ = strconv.Atoi(m[1])
					output = output[:0]
					log.Debug().Int("step", step).Str("instruction", line).Msg("build step")
					continue
				}
				output = append(output, line)
				if len(output) > outputTailLines {
					output = output[1:]
				}
			}
		}

		if msg.Error != nil {
			return "", classifyBuildFailure(instructions, step, msg.Error.Message, strings.Join(output, "\n"))
		}
	}

	if imageID == "" {
		return "", fmt.Errorf("image build finished without an image ID")
	}
	return imageID, nil
}

// classifyBuildFailure maps the failing build step to its error kind.
// Failures outside the rendered instructions (the context upload, the
// label step the builder appends) carry no kind.
func classifyBuildFailure(instructions []dockerfile.Instruction, step int, message, output string) error {
	in, ok := dockerfile.Lookup(instructions, step)
	if !ok {
		return fmt.Errorf("image build failed at step %d: %s", step, message)
	}
	return &model.BootstrapError{
		Kind:   in.Purpose.Kind(),
		Step:   fmt.Sprintf("build step %d (%s)", step, in.Command),
		Output: output,
		Err:    errors.New(message),
	}
}
