package port

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shinji-kodama/svcboot/internal/model"
)

const (
	maxPort = 65535

	// searchWindow is how far above the preferred port the allocator looks
	// before falling back to the dynamic range.
	searchWindow = 100

	// dynamicRangeStart and dynamicRangeEnd bound the IANA dynamic range.
	dynamicRangeStart = 49152
	dynamicRangeEnd   = 65535
)

// PublishAuto asks the allocator to choose the host port.
const PublishAuto = "auto"

// Allocator picks a host port for the declared container port.
//
// The preferred host port is the container port itself, so `run` behaves
// like a plain `docker run -p 8000:8000` when nothing else is listening.
// Otherwise the next free port above it is used, then any free port in the
// dynamic range. Ports published by other svcboot containers are skipped
// even when they are not bound yet.
type Allocator struct {
	prober   Prober
	reserved map[int]bool
}

// NewAllocator creates an Allocator probing with p.
func NewAllocator(p Prober) *Allocator {
	return &Allocator{prober: p, reserved: map[int]bool{}}
}

// Reserve marks host ports as taken.
func (a *Allocator) Reserve(ports ...int) {
	for _, p := range ports {
		a.reserved[p] = true
	}
}

func (a *Allocator) free(port int, protocol string) bool {
	return !a.reserved[port] && a.prober.IsPortAvailable(port, protocol)
}

// Allocate returns a free host port for pc.
func (a *Allocator) Allocate(pc model.PortContract) (int, error) {
	if !pc.Declared() {
		return 0, fmt.Errorf("no port declared")
	}
	protocol := pc.Protocol
	if protocol == "" {
		protocol = "tcp"
	}

	end := pc.Port + searchWindow
	if end > maxPort {
		end = maxPort
	}
	for port := pc.Port; port <= end; port++ {
		if a.free(port, protocol) {
			a.Reserve(port)
			return port, nil
		}
	}

	for port := dynamicRangeStart; port <= dynamicRangeEnd; port++ {
		if a.free(port, protocol) {
			a.Reserve(port)
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available %s host port for container port %d", protocol, pc.Port)
}

// Resolve interprets a --publish value: "" keeps the port unpublished,
// "auto" allocates one, and a number is used as given after checking it
// is free.
func (a *Allocator) Resolve(value string, pc model.PortContract) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if !pc.Declared() {
		return 0, fmt.Errorf("cannot publish: no port declared")
	}
	if value == PublishAuto {
		return a.Allocate(pc)
	}

	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > maxPort {
		return 0, fmt.Errorf("invalid --publish value %q (valid: auto or a port 1-65535)", value)
	}
	protocol := pc.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	if !a.free(port, protocol) {
		return 0, fmt.Errorf("host port %d/%s is already in use", port, protocol)
	}
	a.Reserve(port)
	return port, nil
}
