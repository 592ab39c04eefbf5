// Package backend builds a prefetch.Store from a prefetch.Config.
package backend

import (
	"context"
	"fmt"

	"github.com/pithecene-io/prefetch/prefetch"
	"github.com/pithecene-io/prefetch/prefetch/gcs"
	"github.com/pithecene-io/prefetch/prefetch/s3"
)

// NewStore returns the Store selected by cfg.Type. cfg is validated first.
func NewStore(ctx context.Context, cfg prefetch.Config) (prefetch.Store, error) {
	if err := cfg.WithDefaults().Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case prefetch.BackendFS:
		return prefetch.NewFS(cfg.Root)
	case prefetch.BackendMemory:
		return prefetch.NewMemory(), nil
	case prefetch.BackendS3:
		return s3.NewStoreFromConfig(ctx, cfg)
	case prefetch.BackendGCS:
		return gcs.NewStoreFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("backend: unknown type %q", cfg.Type)
	}
}

// Factory returns a prefetch.StoreFactory that builds the configured store.
func Factory(ctx context.Context, cfg prefetch.Config) prefetch.StoreFactory {
	return func() (prefetch.Store, error) {
		return NewStore(ctx, cfg)
	}
}
