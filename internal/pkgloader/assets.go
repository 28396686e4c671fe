package pkgloader

import (
	"fmt"
	"sort"
	"sync"
)

// ImageAsset is an image blob shipped inside a package, addressed by its
// entry path.
type ImageAsset struct {
	Path    string
	Package string
	Data    []byte
}

// AssetConflict records an image rejected because its path was taken.
type AssetConflict struct {
	Path     string
	Package  string
	Existing string
}

func (c AssetConflict) Error() string {
	return fmt.Sprintf("image '%s' from package '%s' already provided by '%s'", c.Path, c.Package, c.Existing)
}

// AssetTable holds image assets across all loaded packages. The first
// package to provide a path keeps it.
type AssetTable struct {
	mu        sync.RWMutex
	images    map[string]ImageAsset
	conflicts []AssetConflict
}

// NewAssetTable returns an empty table.
func NewAssetTable() *AssetTable {
	return &AssetTable{images: make(map[string]ImageAsset)}
}

// Add stores the asset unless another package already provided its path.
// A package reloading its own asset replaces it.
func (t *AssetTable) Add(asset ImageAsset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.images[asset.Path]; ok && existing.Package != asset.Package {
		conflict := AssetConflict{Path: asset.Path, Package: asset.Package, Existing: existing.Package}
		t.conflicts = append(t.conflicts, conflict)
		return conflict
	}
	t.images[asset.Path] = asset
	return nil
}

// Reset drops every asset and recorded conflict.
func (t *AssetTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.images = make(map[string]ImageAsset)
	t.conflicts = nil
}

// Get returns the asset stored under path.
func (t *AssetTable) Get(path string) (ImageAsset, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	asset, ok := t.images[path]
	return asset, ok
}

// Paths lists stored asset paths in sorted order.
func (t *AssetTable) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]string, 0, len(t.images))
	for p := range t.images {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Conflicts returns every rejected asset.
func (t *AssetTable) Conflicts() []AssetConflict {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]AssetConflict(nil), t.conflicts...)
}
