package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/svcboot/internal/config"
)

// testConfig declares a port, all three flags and one required variable.
func testConfig() *config.Config {
	return &config.Config{
		Name:        "svcboot-app",
		Interpreter: "python",
		Entrypoint:  "main.py",
		Port:        8000,
		Flags:       config.Flags{Unbuffered: true, NoBytecode: true, AsyncDebug: true},
		RequiredEnv: []string{"BINGX_API_KEY"},
	}
}

// TestGenerate checks the service mirrors the local bootstrap: the flags
// and port as environment, the required variable as a mandatory
// interpolation, the port exposed but not published, and no restarts.
func TestGenerate(t *testing.T) {
	f, err := Generate(testConfig(), Options{
		Image:        "svcboot-app:latest",
		BuildContext: ".",
		Labels:       map[string]string{"svcboot.managed-by": "svcboot"},
	})
	require.NoError(t, err)

	assert.Equal(t, "svcboot-app", f.Name)
	svc, ok := f.Services["svcboot-app"]
	require.True(t, ok)

	assert.Equal(t, "svcboot-app:latest", svc.Image)
	assert.Equal(t, "Dockerfile.svcboot", svc.Build.Dockerfile)
	assert.Equal(t, map[string]string{
		"PYTHONUNBUFFERED":        "1",
		"PYTHONDONTWRITEBYTECODE": "1",
		"PYTHONASYNCIODEBUG":      "0",
		"PORT":                    "8000",
		"BINGX_API_KEY":           "${BINGX_API_KEY:?BINGX_API_KEY must be set}",
	}, svc.Environment)
	assert.Equal(t, []string{"8000/tcp"}, svc.Expose)
	assert.Empty(t, svc.Ports, "a declared port is not published by default")
	assert.Equal(t, "no", svc.Restart)
}

// TestGenerate_PublishedPort publishes the declared port on a host port.
// Without a build context the service only references the image.
func TestGenerate_PublishedPort(t *testing.T) {
	f, err := Generate(testConfig(), Options{Image: "svcboot-app:latest", HostPort: 18000})
	require.NoError(t, err)
	svc := f.Services["svcboot-app"]
	assert.Equal(t, []string{"18000:8000/tcp"}, svc.Ports)
	assert.Nil(t, svc.Build)
}

// TestGenerate_NoPort exposes nothing without a declared port and refuses
// to publish a port that was never declared.
func TestGenerate_NoPort(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 0

	f, err := Generate(cfg, Options{Image: "x:latest"})
	require.NoError(t, err)
	svc := f.Services["svcboot-app"]
	assert.Empty(t, svc.Expose)
	assert.NotContains(t, svc.Environment, "PORT")

	_, err = Generate(cfg, Options{Image: "x:latest", HostPort: 18000})
	assert.Error(t, err)
}

// TestMarshalAndWrite writes the file under a directory that does not exist
// yet and parses it back.
func TestMarshalAndWrite(t *testing.T) {
	f, err := Generate(testConfig(), Options{Image: "svcboot-app:latest"})
	require.NoError(t, err)

	data, err := Marshal(f)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Generated by svcboot"))

	path := filepath.Join(t.TempDir(), "deploy", "compose.yaml")
	require.NoError(t, WriteFile(path, data))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var back File
	require.NoError(t, yaml.Unmarshal(raw, &back))
	assert.Equal(t, f.Services["svcboot-app"].Environment, back.Services["svcboot-app"].Environment)
	assert.Equal(t, "no", back.Services["svcboot-app"].Restart)
}
