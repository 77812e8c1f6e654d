// Package manifest parses and validates the dependency manifest: an ordered
// list of package names with optional version constraints, one per line.
//
// The accepted syntax is the subset of a pip requirements file that names
// packages directly. Option lines (-r, -e, --index-url, ...) are rejected
// because the bootstrap installs exactly the declared packages and nothing
// else.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/shinji-kodama/svcboot/internal/model"
)

// DefaultPath is the manifest file name looked up in the source root.
const DefaultPath = "requirements.txt"

var (
	// requirementRegex splits a line into name, optional extras and the rest.
	requirementRegex = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)(\[[A-Za-z0-9._,\s-]*\])?(.*)$`)

	// constraintRegex matches one comparison clause such as ">=1.0".
	constraintRegex = regexp.MustCompile(`^(===|~=|==|!=|<=|>=|<|>)[A-Za-z0-9.*+!_-]+$`)

	// normalizeRegex collapses runs of separators for PEP 503 names.
	normalizeRegex = regexp.MustCompile(`[-_.]+`)
)

// ParseError reports a malformed manifest line.
type ParseError struct {
	Path    string
	Line    int
	Text    string
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %q", e.Path, e.Line, e.Message, e.Text)
}

// Load reads and parses the manifest at path.
func Load(path string) (*model.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dependency manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f, path)
}

// Parse reads a manifest from r. The path is only used in error messages and
// recorded on the returned Manifest.
func Parse(r io.Reader, path string) (*model.Manifest, error) {
	m := &model.Manifest{Path: path}
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		line := stripComment(raw)
		if line == "" {
			continue
		}

		req, err := parseLine(line)
		if err != nil {
			return nil, &ParseError{Path: path, Line: lineNo, Text: raw, Message: err.Error()}
		}
		req.Line = lineNo

		key := NormalizeName(req.Name)
		if first, dup := seen[key]; dup {
			return nil, &ParseError{
				Path:    path,
				Line:    lineNo,
				Text:    raw,
				Message: fmt.Sprintf("duplicate requirement %q (first declared on line %d)", key, first),
			}
		}
		seen[key] = lineNo
		m.Requirements = append(m.Requirements, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dependency manifest %s: %w", path, err)
	}

	return m, nil
}

// stripComment removes a trailing "#" comment and surrounding whitespace.
// A '#' only starts a comment at the line start or after whitespace.
func stripComment(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return ""
	}
	if i := strings.Index(trimmed, " #"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.Index(trimmed, "\t#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.TrimSpace(trimmed)
}

func parseLine(line string) (model.Requirement, error) {
	if strings.HasPrefix(line, "-") {
		return model.Requirement{}, fmt.Errorf("options are not supported in the dependency manifest")
	}
	if strings.Contains(line, "://") || strings.Contains(line, " @ ") {
		return model.Requirement{}, fmt.Errorf("direct URL references are not supported")
	}

	spec, marker, _ := strings.Cut(line, ";")
	spec = strings.TrimSpace(spec)
	marker = strings.TrimSpace(marker)

	match := requirementRegex.FindStringSubmatch(spec)
	if match == nil {
		return model.Requirement{}, fmt.Errorf("invalid package name")
	}

	name := match[1] + strings.ReplaceAll(match[2], " ", "")
	constraint := strings.Join(strings.Fields(match[3]), "")
	if constraint != "" {
		for _, clause := range strings.Split(constraint, ",") {
			if !constraintRegex.MatchString(clause) {
				return model.Requirement{}, fmt.Errorf("invalid version constraint %q", clause)
			}
		}
	}

	return model.Requirement{Name: name, Constraint: constraint, Marker: marker}, nil
}

// NormalizeName returns the PEP 503 normalized form of a package name,
// without any extras suffix. "Flask_SQLAlchemy" and "flask-sqlalchemy"
// normalize to the same key.
func NormalizeName(name string) string {
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(normalizeRegex.ReplaceAllString(name, "-"))
}

// Names returns the normalized names of all requirements, in manifest order.
func Names(m *model.Manifest) []string {
	names := make([]string, 0, m.Len())
	for _, r := range m.Requirements {
		names = append(names, NormalizeName(r.Name))
	}
	return names
}

// Digest returns the content digest of the manifest's canonical form.
// Comments, blank lines and spacing do not affect the digest.
func Digest(m *model.Manifest) digest.Digest {
	return digest.FromString(m.Canonical())
}
