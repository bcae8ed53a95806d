// Package storage provides the key-value persistence primitive backing the
// sync queue and the local mirror snapshot. Values are opaque JSON blobs;
// versioning of key formats is the caller's responsibility.
package storage

import (
	"errors"
	"fmt"

	"github.com/apipat2499/omni-sales-sub013/internal/config"
)

var ErrNotFound = errors.New("storage: key not found")

type Store interface {
	GetItem(key string) ([]byte, error)
	SetItem(key string, value []byte) error
	RemoveItem(key string) error
	Close() error
}

// Open constructs the store selected by the configuration.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
