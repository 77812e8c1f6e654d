package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/shinji-kodama/svcboot/internal/model"
)

// Label keys written on every svcboot image and container. All keys share
// the "svcboot." prefix so they never collide with labels set by other
// tools; image metadata also uses the standard OCI annotation keys.
const (
	LabelPrefix = "svcboot."

	// LabelManagedBy marks images and containers created by svcboot.
	// Value: always ManagedByValue.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelName is the configured service name.
	LabelName = LabelPrefix + "name"

	// LabelEntrypoint is the entrypoint invocation, e.g. "python main.py".
	LabelEntrypoint = LabelPrefix + "entrypoint"

	// LabelManifestDigest is the digest of the installed dependency manifest.
	LabelManifestDigest = LabelPrefix + "manifest-digest"

	// LabelSourceDigest is the digest of the materialized source tree.
	LabelSourceDigest = LabelPrefix + "source-digest"

	// LabelPort is the declared port contract, e.g. "8000/tcp". Absent when
	// no port is declared.
	LabelPort = LabelPrefix + "port"

	// LabelHostPort is the host port the declared port is published on.
	// Only containers started with --publish carry it.
	LabelHostPort = LabelPrefix + "host-port"
)

// ManagedByValue is the value of LabelManagedBy.
const ManagedByValue = "svcboot"

// Metadata is what svcboot records about a built image.
type Metadata struct {
	Name           string
	Entrypoint     model.Entrypoint
	ManifestDigest digest.Digest
	SourceDigest   digest.Digest
	Port           model.PortContract

	// Revision is the VCS revision of the source, empty outside a repository.
	Revision string
	Created  time.Time

	// Extra labels from configuration. They never override svcboot keys.
	Extra map[string]string
}

// BuildLabels encodes m as Docker labels.
func BuildLabels(m Metadata) map[string]string {
	labels := make(map[string]string, len(m.Extra)+8)
	for k, v := range m.Extra {
		labels[k] = v
	}

	labels[LabelManagedBy] = ManagedByValue
	labels[LabelName] = m.Name
	labels[LabelEntrypoint] = m.Entrypoint.String()
	labels[ocispec.AnnotationTitle] = m.Name

	if m.ManifestDigest != "" {
		labels[LabelManifestDigest] = m.ManifestDigest.String()
	}
	if m.SourceDigest != "" {
		labels[LabelSourceDigest] = m.SourceDigest.String()
	}
	if m.Port.Declared() {
		labels[LabelPort] = m.Port.String()
	}
	if m.Revision != "" {
		labels[ocispec.AnnotationRevision] = m.Revision
	}
	if !m.Created.IsZero() {
		labels[ocispec.AnnotationCreated] = m.Created.UTC().Format(time.RFC3339)
	}
	return labels
}

// ParseLabels is the inverse of BuildLabels. Containers without the
// managed-by label are rejected.
func ParseLabels(labels map[string]string) (*Metadata, error) {
	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf("label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue)
	}

	var missing []string
	for _, key := range []string{LabelName, LabelEntrypoint} {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	m := &Metadata{
		Name:     labels[LabelName],
		Revision: labels[ocispec.AnnotationRevision],
	}

	interp, path, ok := strings.Cut(labels[LabelEntrypoint], " ")
	if !ok {
		return nil, fmt.Errorf("invalid label %s: %q", LabelEntrypoint, labels[LabelEntrypoint])
	}
	m.Entrypoint = model.Entrypoint{Interpreter: interp, Path: path}

	for key, dst := range map[string]*digest.Digest{
		LabelManifestDigest: &m.ManifestDigest,
		LabelSourceDigest:   &m.SourceDigest,
	} {
		v, ok := labels[key]
		if !ok {
			continue
		}
		d, err := digest.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid label %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := labels[LabelPort]; ok {
		pc, err := ParsePortLabel(v)
		if err != nil {
			return nil, err
		}
		m.Port = pc
	}

	if v, ok := labels[ocispec.AnnotationCreated]; ok {
		created, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid label %s: %w", ocispec.AnnotationCreated, err)
		}
		m.Created = created
	}

	for k, v := range labels {
		if strings.HasPrefix(k, LabelPrefix) || strings.HasPrefix(k, "org.opencontainers.") {
			continue
		}
		if m.Extra == nil {
			m.Extra = map[string]string{}
		}
		m.Extra[k] = v
	}
	return m, nil
}

// ParsePortLabel parses "8000/tcp" into a port contract.
func ParsePortLabel(v string) (model.PortContract, error) {
	portStr, proto, _ := strings.Cut(v, "/")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return model.PortContract{}, fmt.Errorf("invalid label %s=%q: %w", LabelPort, v, err)
	}
	pc := model.PortContract{Port: port, Protocol: proto}
	if err := pc.Validate(); err != nil {
		return model.PortContract{}, fmt.Errorf("invalid label %s=%q: %w", LabelPort, v, err)
	}
	return pc, nil
}

// PublishedHostPorts returns the host ports recorded on managed
// containers, so a new publication can avoid them even while those
// containers are stopped.
func PublishedHostPorts(containers []model.ContainerInfo) []int {
	var ports []int
	for _, c := range containers {
		v, ok := c.Labels[LabelHostPort]
		if !ok {
			continue
		}
		if p, err := strconv.Atoi(v); err == nil {
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)
	return ports
}

// ManagedFilter is the label filter selecting svcboot containers, in the
// "key=value" form expected by the Engine API.
func ManagedFilter() string {
	return LabelManagedBy + "=" + ManagedByValue
}

// SortedKeys returns the label keys in lexical order, for stable output.
func SortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
