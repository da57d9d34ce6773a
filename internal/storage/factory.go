package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sensorhub/sensorhub/internal/config"
)

// FactoryFunc builds a Storage from the archive configuration
type FactoryFunc func(cfg *config.ArchiveConfig) (Storage, error)

var (
	mu        sync.RWMutex
	factories = map[string]FactoryFunc{}
)

// Register makes a backend available under name. Registering the same name
// twice replaces the earlier factory.
func Register(name string, f FactoryFunc) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Backends returns the registered backend names in sorted order
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the backend selected by cfg.Backend
func NewStorage(cfg *config.ArchiveConfig) (Storage, error) {
	if cfg.Backend == "" {
		return nil, fmt.Errorf("archive backend not configured")
	}

	mu.RLock()
	f, ok := factories[cfg.Backend]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %s (registered: %v)", cfg.Backend, Backends())
	}
	return f(cfg)
}
