package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/lgulliver/keystone/pkg/config"
)

// StorageFactory creates storage backends based on configuration
type StorageFactory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateStorage creates a backend for the configured type
func (sf *StorageFactory) CreateStorage() (Backend, error) {
	switch sf.config.Type {
	case "local":
		local, err := NewLocalStorage(sf.config.LocalPath)
		if err != nil {
			return nil, err
		}
		return local, nil
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s3, err := NewS3Storage(ctx, sf.config)
		if err != nil {
			return nil, err
		}
		return s3, nil
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}
