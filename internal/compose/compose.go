// Package compose emits a Compose file that runs the bootstrap image as a
// single service, so the result of `svcboot build` can be handed to an
// orchestrator without a hand-written service definition.
//
// The service declares the runtime flags and the port contract exactly as
// the image does, passes required variables through from the host, and
// sets no restart policy: supervision belongs to the orchestrator.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/svcboot/internal/config"
	"github.com/shinji-kodama/svcboot/internal/dockerfile"
	"github.com/shinji-kodama/svcboot/internal/model"
)

// File is the top level of the generated document.
type File struct {
	// Name sets the Compose project name.
	Name     string             `yaml:"name"`
	Services map[string]Service `yaml:"services"`
}

// Build points Compose at the generated Dockerfile.
type Build struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

// Service is the single bootstrap service.
type Service struct {
	Image       string            `yaml:"image"`
	Build       *Build            `yaml:"build,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Expose      []string          `yaml:"expose,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Restart     string            `yaml:"restart"`
}

// Options select the optional parts of the document.
type Options struct {
	Image string

	// BuildContext, when set, adds a build section pointing at the
	// generated Dockerfile in that directory.
	BuildContext string

	// HostPort publishes the declared port. Zero leaves it unpublished.
	HostPort int

	Labels map[string]string
}

// Generate builds the Compose document for cfg.
func Generate(cfg *config.Config, opts Options) (*File, error) {
	pc := cfg.PortContract()
	if opts.HostPort != 0 && !pc.Declared() {
		return nil, fmt.Errorf("cannot publish host port %d: no port declared", opts.HostPort)
	}

	env := map[string]string{}
	for _, kv := range cfg.RuntimeFlags().Env() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	if pc.Declared() {
		env[model.EnvPort] = strconv.Itoa(pc.Port)
	}
	// Interpolated from the host; Compose refuses to start when unset.
	for _, name := range cfg.RequiredEnv {
		env[name] = fmt.Sprintf("${%s:?%s must be set}", name, name)
	}

	svc := Service{
		Image:       opts.Image,
		Environment: env,
		Labels:      opts.Labels,
		Restart:     "no",
	}
	if opts.BuildContext != "" {
		svc.Build = &Build{Context: opts.BuildContext, Dockerfile: dockerfile.Name}
	}
	if pc.Declared() {
		svc.Expose = []string{pc.String()}
		if opts.HostPort != 0 {
			svc.Ports = []string{fmt.Sprintf("%d:%d/%s", opts.HostPort, pc.Port, pc.Protocol)}
		}
	}

	return &File{
		Name:     cfg.Name,
		Services: map[string]Service{cfg.Name: svc},
	}, nil
}

// Marshal serializes f with a generated-file header.
func Marshal(f *File) ([]byte, error) {
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize compose file: %w", err)
	}
	header := fmt.Sprintf("# Generated by svcboot for service %q.\n# DO NOT EDIT - regenerate with `svcboot compose`.\n", f.Name)
	return append([]byte(header), data...), nil
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
