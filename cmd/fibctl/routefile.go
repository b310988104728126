package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"fibtrie/internal/fib"
)

var routeFile string

// openRouteFile loads path into a fresh FIB. A missing file yields an
// empty one.
func openRouteFile(ctx context.Context, path string) (*fib.Manager, error) {
	m := fib.NewManager(ctx, cfg.FIBOptions())
	if _, err := m.ImportFile(ctx, path, fib.ImportOptions{Table: table()}); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.Close()
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return m, nil
}

// saveRouteFile replaces path atomically with routes.
func saveRouteFile(path string, routes iter.Seq[*fib.Route]) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("creating output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := fib.WriteRoutes(tmp, routes)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), path)
}
