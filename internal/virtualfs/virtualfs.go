// Package virtualfs maintains the album-shaped tree of symlinks pointing at
// gallery image files.
package virtualfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattjoyce/pwgo-agent/internal/gallery"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

// ErrOutsideRoot is returned for virtual paths that resolve outside the tree root.
var ErrOutsideRoot = errors.New("path escapes virtualfs root")

// Options configures the tree.
type Options struct {
	// Root is the directory holding the symlink tree.
	Root string
	// SourceRoot is the directory relative physical paths resolve against.
	SourceRoot       string
	AllowBrokenLinks bool
	RemoveEmptyDirs  bool
	DryRun           bool
}

// PathSource lists every virtual path that should exist.
type PathSource interface {
	VirtualPaths(ctx context.Context) ([]gallery.VirtualPath, error)
}

// FS creates and removes links under Root. Mutations are serialized so that
// pruning never races a sibling link's directory creation.
type FS struct {
	opts   Options
	mu     sync.Mutex
	logger *slog.Logger
}

func New(opts Options) *FS {
	opts.Root = filepath.Clean(opts.Root)
	return &FS{opts: opts, logger: log.WithComponent("virtualfs")}
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func (v *FS) virtualPath(p string) (string, error) {
	full := resolve(v.opts.Root, p)
	rel, err := filepath.Rel(v.opts.Root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return full, nil
}

// CreateLink links virtualPath, relative to Root, to physicalPath, relative
// to SourceRoot. An existing entry at virtualPath is left alone.
func (v *FS) CreateLink(_ context.Context, physicalPath, virtualPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.createLocked(physicalPath, virtualPath)
}

func (v *FS) createLocked(physicalPath, virtualPath string) error {
	src := resolve(v.opts.SourceRoot, physicalPath)
	if _, err := os.Stat(src); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", src, err)
		}
		if !v.opts.AllowBrokenLinks {
			return fmt.Errorf("link source %s: %w", src, err)
		}
		v.logger.Warn("link source does not exist", "source", src)
	}

	dst, err := v.virtualPath(virtualPath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		v.logger.Debug("virtual path already exists", "path", dst)
		return nil
	}

	if v.opts.DryRun {
		v.logger.Info("dry run: skipping symlink", "source", src, "link", dst)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create link directory: %w", err)
	}
	if err := os.Symlink(src, dst); err != nil {
		return fmt.Errorf("create symlink %s: %w", dst, err)
	}
	v.logger.Debug("created symlink", "source", src, "link", dst)
	return nil
}

// RemoveLink removes virtualPath and, when configured, every parent directory
// it leaves empty, stopping at Root.
func (v *FS) RemoveLink(_ context.Context, virtualPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	dst, err := v.virtualPath(virtualPath)
	if err != nil {
		return err
	}
	if v.opts.DryRun {
		v.logger.Info("dry run: skipping link removal", "link", dst)
		return nil
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", dst, err)
	}
	v.logger.Debug("removed virtual path", "path", dst)

	if v.opts.RemoveEmptyDirs {
		return v.pruneLocked(filepath.Dir(dst))
	}
	return nil
}

func (v *FS) pruneLocked(dir string) error {
	for dir != v.opts.Root && strings.HasPrefix(dir, v.opts.Root+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			dir = filepath.Dir(dir)
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("remove empty directory %s: %w", dir, err)
		}
		v.logger.Debug("removed empty directory", "path", dir)
		dir = filepath.Dir(dir)
	}
	return nil
}

// Rebuild empties Root and recreates every link listed by src. It returns the
// number of rows processed.
func (v *FS) Rebuild(ctx context.Context, src PathSource) (int, error) {
	rows, err := src.VirtualPaths(ctx)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.logger.Info("rebuilding virtual filesystem", "root", v.opts.Root, "links", len(rows))
	if !v.opts.DryRun {
		entries, err := os.ReadDir(v.opts.Root)
		if err != nil {
			return 0, fmt.Errorf("read virtualfs root: %w", err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(v.opts.Root, e.Name())); err != nil {
				return 0, fmt.Errorf("clear virtualfs root: %w", err)
			}
		}
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := v.createLocked(row.PhysicalPath, row.VirtualPath); err != nil {
			return i, fmt.Errorf("rebuild link for image %d: %w", row.ImageID, err)
		}
	}
	return len(rows), nil
}
