// Package srctree walks, copies, digests and archives the program source
// tree. Every operation honours the tree's .dockerignore file, matched with
// github.com/sabhiram/go-gitignore, so the local backend materializes
// exactly the files an image build would see.
package srctree

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is the name of the ignore file read from the tree root.
const IgnoreFile = ".dockerignore"

// defaultIgnores are excluded from every tree regardless of .dockerignore.
var defaultIgnores = []string{
	".git/",
	"__pycache__/",
	"*.pyc",
}

// Matcher decides which relative paths are excluded from the tree.
type Matcher struct {
	gi *ignore.GitIgnore
}

// LoadMatcher compiles the default patterns, the root's .dockerignore (if
// any) and extra patterns, in that order. Later patterns may negate earlier
// ones with a leading '!'.
func LoadMatcher(root string, extra ...string) (*Matcher, error) {
	patterns := append([]string{}, defaultIgnores...)

	data, err := os.ReadFile(filepath.Join(root, IgnoreFile))
	switch {
	case err == nil:
		patterns = append(patterns, strings.Split(string(data), "\n")...)
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFile, err)
	}

	patterns = append(patterns, extra...)
	return &Matcher{gi: ignore.CompileIgnoreLines(patterns...)}, nil
}

// Ignored reports whether rel (slash or OS separated, relative to the root)
// is excluded. Directories are matched with a trailing slash so "dir/"
// patterns apply to them.
func (m *Matcher) Ignored(rel string, isDir bool) bool {
	if m == nil || m.gi == nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if isDir {
		rel = strings.TrimSuffix(rel, "/") + "/"
	}
	return m.gi.MatchesPath(rel)
}

// Entry is one non-ignored path found by Walk.
type Entry struct {
	// Rel is the slash-separated path relative to the root.
	Rel  string
	Path string
	Info fs.FileInfo
}

// Walk visits every non-ignored file, directory and symlink under root in
// lexical order. Ignored directories are skipped entirely.
func Walk(ctx context.Context, root string, m *Matcher, fn func(Entry) error) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if m.Ignored(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(Entry{Rel: filepath.ToSlash(rel), Path: path, Info: info})
	})
}

// Copy copies the tree rooted at src into dst, creating dst. Regular files
// keep their permission bits and symlinks are recreated as symlinks.
// Anything else (sockets, devices) is rejected.
func Copy(ctx context.Context, src, dst string, m *Matcher) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	return Walk(ctx, src, m, func(e Entry) error {
		target := filepath.Join(dst, filepath.FromSlash(e.Rel))
		mode := e.Info.Mode()

		switch {
		case mode.IsDir():
			return os.MkdirAll(target, mode.Perm()|0o700)
		case mode&os.ModeSymlink != 0:
			link, err := os.Readlink(e.Path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case mode.IsRegular():
			return copyFile(e.Path, target, mode.Perm())
		default:
			return fmt.Errorf("unsupported file type %s at %s", mode.Type(), e.Rel)
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// Digest returns a content digest of the tree: paths, file types,
// permission bits, file contents and symlink targets. Modification times
// are not included, so touching a file does not change the digest.
func Digest(ctx context.Context, root string, m *Matcher) (digest.Digest, error) {
	h := sha256.New()

	err := Walk(ctx, root, m, func(e Entry) error {
		mode := e.Info.Mode()
		fmt.Fprintf(h, "%s\x00%o\x00", e.Rel, mode)

		switch {
		case mode&os.ModeSymlink != 0:
			link, err := os.Readlink(e.Path)
			if err != nil {
				return err
			}
			io.WriteString(h, link)
		case mode.IsRegular():
			f, err := os.Open(e.Path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			_ = f.Close()
			if err != nil {
				return err
			}
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", err
	}

	return digest.NewDigest(digest.SHA256, h), nil
}

// WriteTar writes the tree as an uncompressed tar stream, suitable as an
// image build context. Files in inject are added at the given relative
// paths after the tree, replacing any tree file with the same name.
func WriteTar(ctx context.Context, w io.Writer, root string, m *Matcher, inject map[string][]byte) error {
	tw := tar.NewWriter(w)

	err := Walk(ctx, root, m, func(e Entry) error {
		if _, replaced := inject[e.Rel]; replaced {
			return nil
		}

		link := ""
		if e.Info.Mode()&os.ModeSymlink != 0 {
			var err error
			if link, err = os.Readlink(e.Path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(e.Info, link)
		if err != nil {
			return err
		}
		hdr.Name = e.Rel
		if e.Info.IsDir() {
			hdr.Name += "/"
		}
		// Normalize ownership so the archive only depends on content.
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !e.Info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(e.Path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", root, err)
	}

	names := make([]string, 0, len(inject))
	for name := range inject {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data := inject[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}

	return tw.Close()
}
