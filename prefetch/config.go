package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend types accepted in Config.Type.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
)

// globChars are the characters that make a path a pattern.
const globChars = "*?["

// Config describes a remote source and how to read it.
//
// Backend-specific fields are ignored by backends that do not use them.
type Config struct {
	// Type selects the backend: "fs", "memory", "s3" or "gcs".
	Type string `json:"type"`

	// Root is the directory of an fs backend.
	Root string `json:"root,omitempty"`

	// Bucket and Prefix locate objects in s3 and gcs backends.
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`

	// Region, Endpoint and PathStyle configure the s3 client.
	// Endpoint is used for S3-compatible services (MinIO, LocalStack, R2).
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	PathStyle bool   `json:"path_style,omitempty"`

	// Paths lists the objects forming the stream, in order. Entries may be
	// glob patterns; matches are read in lexical order.
	Paths []string `json:"paths"`

	// BufferSize is the size of each of the reader's two buffers.
	BufferSize int `json:"buffer_size,omitempty"`

	// Priority is attached to every request the reader submits.
	Priority int `json:"priority,omitempty"`

	// Workers sizes the read pool.
	Workers int `json:"workers,omitempty"`

	// ReadAhead enables a prefetch after every refill.
	ReadAhead bool `json:"read_ahead,omitempty"`
}

// LoadConfig decodes a JSON configuration and applies defaults.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	if err := jsonCodec.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("prefetch: decode config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Type {
	case BackendFS:
		if c.Root == "" {
			return errors.New("prefetch: config: root is required for fs")
		}
	case BackendMemory:
	case BackendS3, BackendGCS:
		if c.Bucket == "" {
			return fmt.Errorf("prefetch: config: bucket is required for %s", c.Type)
		}
	case "":
		return errors.New("prefetch: config: type is required")
	default:
		return fmt.Errorf("prefetch: config: unknown type %q", c.Type)
	}

	if len(c.Paths) == 0 {
		return errors.New("prefetch: config: at least one path is required")
	}
	for i, p := range c.Paths {
		if p == "" {
			return fmt.Errorf("prefetch: config: paths[%d] is empty", i)
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("prefetch: config: paths[%d]: %w", i, err)
		}
	}
	if c.BufferSize < 0 {
		return errors.New("prefetch: config: buffer_size must be non-negative")
	}
	if c.Workers < 0 {
		return errors.New("prefetch: config: workers must be non-negative")
	}
	return nil
}

// HasGlob reports whether p contains glob characters.
func HasGlob(p string) bool {
	return strings.ContainsAny(p, globChars)
}

// PathWithoutGlob returns the directory prefix of p that precedes the
// first glob character. Paths without globs are returned unchanged.
func PathWithoutGlob(p string) string {
	i := strings.IndexAny(p, globChars)
	if i < 0 {
		return p
	}
	slash := strings.LastIndex(p[:i], "/")
	if slash < 0 {
		return ""
	}
	return p[:slash+1]
}

// ResolvePaths expands glob patterns in paths by listing the store under
// each pattern's non-glob prefix. Literal paths are kept as given. A
// pattern that matches nothing returns ErrNotFound.
func ResolvePaths(ctx context.Context, store Store, paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		if !HasGlob(p) {
			out = append(out, p)
			continue
		}

		listed, err := store.List(ctx, PathWithoutGlob(p))
		if err != nil {
			return nil, fmt.Errorf("prefetch: list %s: %w", p, err)
		}

		var matched []string
		for _, candidate := range listed {
			ok, err := path.Match(p, candidate)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, candidate)
			}
		}
		if len(matched) == 0 {
			return nil, fmt.Errorf("prefetch: no objects match %s: %w", p, ErrNotFound)
		}
		sort.Strings(matched)
		out = append(out, matched...)
	}
	return out, nil
}

// Open resolves cfg.Paths against store and returns a Reader over the
// gathered objects together with the Gather backing it.
func Open(ctx context.Context, store Store, service AsyncReader, cfg Config, opts ...Option) (*Reader, *Gather, error) {
	cfg = cfg.WithDefaults()

	paths, err := ResolvePaths(ctx, store, cfg.Paths)
	if err != nil {
		return nil, nil, err
	}

	gather, err := NewGather(ctx, store, paths...)
	if err != nil {
		return nil, nil, err
	}

	base := []Option{WithPriority(cfg.Priority)}
	if cfg.ReadAhead {
		base = append(base, WithReadAhead())
	}

	r, err := NewReader(ctx, service, gather, cfg.BufferSize, append(base, opts...)...)
	if err != nil {
		_ = gather.Close()
		return nil, nil, err
	}
	return r, gather, nil
}
