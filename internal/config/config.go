// Package config loads the bootstrap configuration.
//
// Configuration comes from three layers, highest priority first: command
// line flags bound by the cli package, SVCBOOT_* environment variables and
// a config file (svcboot.yaml, svcboot.yml, svcboot.json or svcboot.jsonc).
// JSON files may contain comments; they are stripped with
// github.com/tidwall/jsonc before viper parses them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/svcboot/internal/manifest"
	"github.com/shinji-kodama/svcboot/internal/model"
)

// EnvPrefix is the prefix of environment variables that override config keys.
const EnvPrefix = "SVCBOOT"

// searchNames lists the config file names probed when no path is given.
var searchNames = []string{"svcboot.yaml", "svcboot.yml", "svcboot.json", "svcboot.jsonc"}

// Flags mirrors model.RuntimeFlags with config-file keys.
type Flags struct {
	Unbuffered bool `mapstructure:"unbuffered"`
	NoBytecode bool `mapstructure:"noBytecode"`
	AsyncDebug bool `mapstructure:"asyncDebug"`
}

// Config is the resolved bootstrap configuration. It is built once per
// command invocation and not modified afterwards.
type Config struct {
	// Name is used for the image repository and the container name.
	Name string `mapstructure:"name"`

	// BaseImage is the fixed interpreter runtime image, e.g. "python:3.11-slim".
	BaseImage string `mapstructure:"baseImage"`

	// RuntimeVersion is the interpreter version the local backend requires,
	// matched as a dotted prefix of "<interpreter> --version". Empty disables
	// the check.
	RuntimeVersion string `mapstructure:"runtimeVersion"`

	Interpreter string `mapstructure:"interpreter"`
	Entrypoint  string `mapstructure:"entrypoint"`

	// Manifest is the dependency manifest path, relative to Source.
	Manifest string `mapstructure:"manifest"`

	// Source is the program source tree.
	Source string `mapstructure:"source"`

	// WorkDir is where the source is materialized and the entrypoint runs.
	WorkDir string `mapstructure:"workDir"`

	// EnvDir holds installed dependencies for the local backend.
	EnvDir string `mapstructure:"envDir"`

	// SystemPackages are the OS packages needed to compile native extensions.
	SystemPackages []string `mapstructure:"systemPackages"`

	// AptListsDir is the package index cache removed after installation.
	AptListsDir string `mapstructure:"aptListsDir"`

	// Port is the optional declared port. Zero means undeclared.
	Port int `mapstructure:"port"`

	Flags Flags `mapstructure:"flags"`

	// RequiredEnv names variables that must be set before the entrypoint
	// starts.
	RequiredEnv []string `mapstructure:"requiredEnv"`

	// Labels are extra labels applied to images and containers.
	Labels map[string]string `mapstructure:"labels"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// NewViper returns a viper instance with every key defaulted and
// environment overrides enabled. Callers may bind command line flags to it
// before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("name", "svcboot-app")
	v.SetDefault("baseImage", "python:3.11-slim")
	v.SetDefault("runtimeVersion", "")
	v.SetDefault("interpreter", "python")
	v.SetDefault("entrypoint", "main.py")
	v.SetDefault("manifest", manifest.DefaultPath)
	v.SetDefault("source", ".")
	v.SetDefault("workDir", "/app")
	v.SetDefault("envDir", "/opt/svcboot")
	v.SetDefault("systemPackages", []string{"gcc"})
	v.SetDefault("aptListsDir", "/var/lib/apt/lists")
	v.SetDefault("port", 0)
	v.SetDefault("flags.unbuffered", true)
	v.SetDefault("flags.noBytecode", true)
	v.SetDefault("flags.asyncDebug", true)
	v.SetDefault("requiredEnv", []string{})
	v.SetDefault("labels", map[string]string{})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file at path into v and decodes the result. When
// path is empty, the known config file names are probed in searchDir; it is
// not an error if none exists.
func Load(v *viper.Viper, path, searchDir string) (*Config, error) {
	if path == "" {
		path = findConfigFile(searchDir)
	}

	if path != "" {
		if err := readConfigFile(v, path); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.File = path

	// Relative source paths in a config file are relative to that file.
	if path != "" && !filepath.IsAbs(cfg.Source) {
		cfg.Source = filepath.Join(filepath.Dir(path), cfg.Source)
	}
	abs, err := filepath.Abs(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source path: %w", err)
	}
	cfg.Source = abs

	return &cfg, nil
}

func findConfigFile(dir string) string {
	if dir == "" {
		dir = "."
	}
	for _, name := range searchNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// readConfigFile merges one config file into v. JSON variants go through
// jsonc so comments and trailing commas are accepted.
func readConfigFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "json", "jsonc":
		data = jsonc.ToJSON(data)
		v.SetConfigType("json")
	case "yaml", "yml":
		v.SetConfigType("yaml")
	default:
		return fmt.Errorf("unsupported config file type %q (valid: yaml, yml, json, jsonc)", ext)
	}

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// EntrypointSpec returns the entrypoint invocation.
func (c *Config) EntrypointSpec() model.Entrypoint {
	return model.Entrypoint{Interpreter: c.Interpreter, Path: c.Entrypoint}
}

// PortContract returns the declared port contract.
func (c *Config) PortContract() model.PortContract {
	return model.PortContract{Port: c.Port, Protocol: "tcp"}
}

// RuntimeFlags returns the immutable runtime flag set.
func (c *Config) RuntimeFlags() model.RuntimeFlags {
	return model.RuntimeFlags{
		Unbuffered: c.Flags.Unbuffered,
		NoBytecode: c.Flags.NoBytecode,
		AsyncDebug: c.Flags.AsyncDebug,
	}
}

// ManifestPath returns the absolute manifest path.
func (c *Config) ManifestPath() string {
	if filepath.IsAbs(c.Manifest) {
		return c.Manifest
	}
	return filepath.Join(c.Source, c.Manifest)
}

// ValidationError describes one invalid configuration key.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks every key and returns all problems joined into one error,
// or nil.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := model.ValidateName(c.Name); err != nil {
		add("name", "%v", err)
	}
	if strings.TrimSpace(c.BaseImage) == "" {
		add("baseImage", "must not be empty")
	}
	if err := c.EntrypointSpec().Validate(); err != nil {
		add("entrypoint", "%v", err)
	}
	if c.Manifest == "" {
		add("manifest", "must not be empty")
	} else if !filepath.IsAbs(c.Manifest) && strings.HasPrefix(filepath.Clean(c.Manifest), "..") {
		add("manifest", "path %q must stay inside the source tree", c.Manifest)
	}
	if !filepath.IsAbs(c.WorkDir) {
		add("workDir", "must be absolute, got %q", c.WorkDir)
	}
	if c.EnvDir == "" {
		add("envDir", "must not be empty")
	} else if filepath.IsAbs(c.WorkDir) && c.EnvDirInWorkDir() {
		add("envDir", "%q must not be workDir or inside it (%q)", c.EnvDir, c.WorkDir)
	}
	pc := c.PortContract()
	if err := pc.Validate(); err != nil {
		add("port", "%v", err)
	}
	for _, pkg := range c.SystemPackages {
		if pkg == "" || strings.ContainsAny(pkg, " \t;&|$`'\"") {
			add("systemPackages", "invalid package name %q", pkg)
		}
	}
	for _, name := range c.RequiredEnv {
		if name == "" || strings.Contains(name, "=") {
			add("requiredEnv", "invalid variable name %q", name)
		}
	}

	return errors.Join(errs...)
}

// EnvDirInWorkDir reports whether envDir is workDir or lies below it.
// Materializing the source replaces workDir as a whole, which would take
// the installed dependencies with it.
func (c *Config) EnvDirInWorkDir() bool {
	return isWithin(c.EnvDir, c.WorkDir)
}

// isWithin reports whether path is dir or lies below it. Relative paths
// are taken relative to the working directory.
func isWithin(path, dir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
