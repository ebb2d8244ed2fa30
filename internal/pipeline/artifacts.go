package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/banshee-data/terrain.report/internal/fsutil"
	"github.com/banshee-data/terrain.report/internal/raster"
)

// Artifacts is the per-tile registry of transient files and directories.
// Everything tracked is removed by ReleaseAll, which the pipeline defers
// so it runs on every exit path. Safe for concurrent use.
type Artifacts struct {
	fs fsutil.FileSystem

	mu    sync.Mutex
	files []string
	dirs  []string
}

// NewArtifacts returns an empty registry over fs.
func NewArtifacts(fs fsutil.FileSystem) *Artifacts {
	return &Artifacts{fs: fs}
}

// Track registers a transient file. Tracking the same path twice is a no-op.
func (a *Artifacts) Track(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.files {
		if p == path {
			return
		}
	}
	a.files = append(a.files, path)
}

// TrackRaster registers a transient raster together with its .prj sidecar.
func (a *Artifacts) TrackRaster(path string) {
	a.Track(path)
	a.Track(raster.SidecarPath(path))
}

// TrackDir registers a scratch directory, removed with its contents after
// all tracked files.
func (a *Artifacts) TrackDir(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirs = append(a.dirs, dir)
}

// Release removes one tracked file now and stops tracking it.
func (a *Artifacts) Release(path string) error {
	a.mu.Lock()
	for i, p := range a.files {
		if p == path {
			a.files = append(a.files[:i], a.files[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	return a.remove(path)
}

// ReleaseRaster releases a raster and its sidecar.
func (a *Artifacts) ReleaseRaster(path string) error {
	return errors.Join(a.Release(path), a.Release(raster.SidecarPath(path)))
}

// ReleaseAll removes every tracked file, then every tracked directory.
// Files that are already gone are not an error. All other failures are
// joined and returned; the registry is empty afterwards either way.
func (a *Artifacts) ReleaseAll() error {
	a.mu.Lock()
	files, dirs := a.files, a.dirs
	a.files, a.dirs = nil, nil
	a.mu.Unlock()

	var errs []error
	for _, p := range files {
		if err := a.remove(p); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := a.fs.RemoveAll(dirs[i]); err != nil {
			errs = append(errs, fmt.Errorf("remove scratch dir %s: %w", dirs[i], err))
		}
	}
	return errors.Join(errs...)
}

// Pending returns the tracked files and directories not yet released.
func (a *Artifacts) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.files)+len(a.dirs))
	out = append(out, a.files...)
	return append(out, a.dirs...)
}

func (a *Artifacts) remove(path string) error {
	if err := a.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove transient %s: %w", path, err)
	}
	return nil
}
