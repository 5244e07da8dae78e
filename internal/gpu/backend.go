// Compute backends and their registry
package gpu

import (
	"fmt"
	"sort"
	"sync"

	"marker-warp/internal/geometry"
)

// Backend executes pipeline stages. Methods are only called from the stream
// worker, one at a time, with arguments already validated by the stream.
type Backend interface {
	Name() string
	ConvertImageFormat(src, dst *Image) error
	Rescale(src, dst *Image, interp Interp, border Border) error
	CreatePerspectiveWarp() (WarpPayload, error)
	PerspectiveWarp(p WarpPayload, src *Image, xform geometry.Transform, dst *Image, interp Interp, border Border) error
	Close() error
}

// WarpPayload is backend state reused across warp submissions
type WarpPayload interface {
	Close() error
}

// BackendFactory creates a fresh backend instance
type BackendFactory func() (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend available by name
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// NewBackend instantiates a registered backend
func NewBackend(name string) (Backend, error) {
	backendsMu.RLock()
	factory, exists := backends[name]
	backendsMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("backend not found: %s (available: %v)", name, Backends())
	}
	return factory()
}

// Backends lists registered backend names
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterBackend(BackendCPU, func() (Backend, error) {
		return NewCPUBackend(), nil
	})
}
