package srctree

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTree creates files (relative path → content) under a fresh temp dir.
func makeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

// listRel returns the files Walk visits, relative to root.
func listRel(t *testing.T, root string, m *Matcher) []string {
	t.Helper()
	var rels []string
	err := Walk(context.Background(), root, m, func(e Entry) error {
		if !e.Info.IsDir() {
			rels = append(rels, e.Rel)
		}
		return nil
	})
	require.NoError(t, err)
	return rels
}

// TestLoadMatcher verifies default exclusions, .dockerignore patterns,
// negation, and extra patterns supplied by the caller.
func TestLoadMatcher(t *testing.T) {
	root := makeTree(t, map[string]string{
		".dockerignore":         "*.log\nbuild/\n!keep.log\n",
		"main.py":               "print('hi')\n",
		"requirements.txt":      "requests==2.31.0\n",
		"app.log":               "noise",
		"keep.log":              "kept",
		"build/out.bin":         "x",
		".git/HEAD":             "ref: refs/heads/main\n",
		"pkg/__pycache__/m.pyc": "x",
		"pkg/mod.py":            "",
		".svcboot/site/x.py":    "",
	})

	m, err := LoadMatcher(root, ".svcboot/")
	require.NoError(t, err)

	got := listRel(t, root, m)
	assert.Equal(t, []string{".dockerignore", "keep.log", "main.py", "pkg/mod.py", "requirements.txt"}, got)

	assert.True(t, m.Ignored("build", true))
	assert.False(t, m.Ignored("pkg", true))
}

// TestMatcher_Nil ignores nothing, so callers can pass a nil matcher.
func TestMatcher_Nil(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Ignored("anything", false))
}

// TestCopy verifies that only non-ignored files are copied and that file
// modes and symlinks survive.
func TestCopy(t *testing.T) {
	root := makeTree(t, map[string]string{
		".dockerignore": "secrets/\n",
		"main.py":       "print('hi')\n",
		"bin/run.sh":    "#!/bin/sh\n",
		"secrets/key":   "s3cr3t",
	})
	require.NoError(t, os.Chmod(filepath.Join(root, "bin/run.sh"), 0o755))
	require.NoError(t, os.Symlink("main.py", filepath.Join(root, "entry.py")))

	m, err := LoadMatcher(root)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "app")
	require.NoError(t, Copy(context.Background(), root, dst, m))

	data, err := os.ReadFile(filepath.Join(dst, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	info, err := os.Stat(filepath.Join(dst, "bin/run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dst, "entry.py"))
	require.NoError(t, err)
	assert.Equal(t, "main.py", link)

	assert.NoDirExists(t, filepath.Join(dst, "secrets"))
}

// TestCopy_Cancelled stops before copying when the context is done.
func TestCopy_Cancelled(t *testing.T) {
	root := makeTree(t, map[string]string{"main.py": ""})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Copy(ctx, root, filepath.Join(t.TempDir(), "app"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestDigest verifies that the digest tracks content but ignores files
// excluded by .dockerignore and modification times.
func TestDigest(t *testing.T) {
	root := makeTree(t, map[string]string{
		".dockerignore": "*.log\n",
		"main.py":       "print(1)\n",
	})
	m, err := LoadMatcher(root)
	require.NoError(t, err)
	ctx := context.Background()

	d1, err := Digest(ctx, root, m)
	require.NoError(t, err)

	// Ignored file: digest unchanged.
	require.NoError(t, os.WriteFile(filepath.Join(root, "debug.log"), []byte("x"), 0o644))
	d2, err := Digest(ctx, root, m)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// Content change: digest changes.
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print(2)\n"), 0o644))
	d3, err := Digest(ctx, root, m)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

// TestWriteTar verifies archive contents and that injected files replace
// tree files of the same name.
func TestWriteTar(t *testing.T) {
	root := makeTree(t, map[string]string{
		".dockerignore": "venv/\n",
		"main.py":       "print('hi')\n",
		"Dockerfile":    "FROM scratch\n",
		"venv/bin/py":   "x",
	})
	m, err := LoadMatcher(root)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = WriteTar(context.Background(), &buf, root, m, map[string][]byte{
		"Dockerfile": []byte("FROM python:3.11-slim\n"),
	})
	require.NoError(t, err)

	contents := map[string]string{}
	var names []string
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[hdr.Name] = string(data)
		}
		assert.Equal(t, 0, hdr.Uid)
	}
	sort.Strings(names)

	assert.Equal(t, []string{".dockerignore", "Dockerfile", "main.py"}, names)
	assert.Equal(t, "FROM python:3.11-slim\n", contents["Dockerfile"])
}
