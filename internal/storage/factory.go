// factory.go implements the object store registry and factory, mapping backend
// type strings (local, s3, azure, gcs) to constructor functions.
package storage

import (
	"fmt"

	"github.com/clinistock/audit-engine/internal/config"
)

// Factory function type for creating object store backends
type FactoryFunc func(*config.Config) (ObjectStore, error)

var factories = make(map[string]FactoryFunc)

// Register registers an object store backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewObjectStore creates an object store backend based on configuration
func NewObjectStore(cfg *config.Config) (ObjectStore, error) {
	factory, ok := factories[cfg.Storage.DefaultBackend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (must be 'local', 'azure', 's3', or 'gcs')", cfg.Storage.DefaultBackend)
	}

	return factory(cfg)
}
