// Package testutil provides scratch storage for the programs under examples/.
package testutil

import (
	"fmt"
	"os"

	"github.com/pithecene-io/prefetch/prefetch"
)

// RemoveAll removes the path and any children. Errors are ignored.
func RemoveAll(path string) { _ = os.RemoveAll(path) }

// TempFS creates a temporary directory and returns an fs store rooted at
// it, plus a cleanup func that removes the directory.
//
// Usage:
//
//	store, cleanup, err := testutil.TempFS("prefetch-parquet-*")
//	if err != nil { ... }
//	defer cleanup()
func TempFS(pattern string) (prefetch.Store, func(), error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	store, err := prefetch.NewFS(dir)
	if err != nil {
		RemoveAll(dir)
		return nil, nil, err
	}
	return store, func() { RemoveAll(dir) }, nil
}
