package pkgloader

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alexisbeaulieu97/padmux/internal/logger"
	"github.com/alexisbeaulieu97/padmux/internal/plugin"
	padmuxerrors "github.com/alexisbeaulieu97/padmux/pkg/errors"
)

// Entry suffixes recognised inside a package archive.
const (
	ModuleSuffix = ".plugin"
)

var (
	archiveSuffixes = []string{".padpkg", ".zip"}
	imageSuffixes   = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".bmp"}
	nativeSuffixes  = []string{".so", ".dll", ".dylib"}
)

// EntryKind classifies an archive entry.
type EntryKind int

const (
	EntryIgnored EntryKind = iota
	EntryManifest
	EntryModule
	EntryImage
	EntryNative
)

// ClassifyEntry determines what an archive entry is by its name.
func ClassifyEntry(name string) EntryKind {
	if strings.HasSuffix(name, "/") {
		return EntryIgnored
	}
	if name == ManifestEntry {
		return EntryManifest
	}
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == ModuleSuffix:
		return EntryModule
	case hasSuffix(ext, imageSuffixes):
		return EntryImage
	case hasSuffix(ext, nativeSuffixes):
		return EntryNative
	default:
		return EntryIgnored
	}
}

func hasSuffix(ext string, set []string) bool {
	for _, s := range set {
		if ext == s {
			return true
		}
	}
	return false
}

// Package is a discovered archive whose manifest parsed cleanly.
type Package struct {
	Path     string
	Manifest *Manifest
}

// Name returns the manifest name.
func (p *Package) Name() string {
	return p.Manifest.Name
}

// LoadResult is what a single package contributed.
type LoadResult struct {
	Package     *Package
	Modules     []plugin.Module
	Images      []string
	Natives     []string
	Diagnostics []error
}

// Options configures a Loader.
type Options struct {
	// NativeDir receives extracted native libraries. Defaults to the
	// directory of the running executable.
	NativeDir string
	// Opener loads code modules. Defaults to GoPluginOpener rooted at
	// a cache directory inside the user cache dir.
	Opener ModuleOpener
	Logger *logger.Logger
}

// Loader discovers and loads plugin packages.
type Loader struct {
	nativeDir string
	opener    ModuleOpener
	assets    *AssetTable
	logger    *logger.Logger
}

// New constructs a Loader with defaults applied.
func New(opts Options) (*Loader, error) {
	nativeDir := opts.NativeDir
	if nativeDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable directory: %w", err)
		}
		nativeDir = filepath.Dir(exe)
	}

	opener := opts.Opener
	if opener == nil {
		cacheRoot, err := os.UserCacheDir()
		if err != nil {
			cacheRoot = os.TempDir()
		}
		opener = GoPluginOpener{CacheDir: filepath.Join(cacheRoot, "padmux", "modules")}
	}

	return &Loader{
		nativeDir: nativeDir,
		opener:    opener,
		assets:    NewAssetTable(),
		logger:    opts.Logger.With("component", "pkgloader"),
	}, nil
}

// Assets returns the image table shared by every package this loader loaded.
func (l *Loader) Assets() *AssetTable {
	return l.assets
}

// ResetAssets forgets images from earlier load passes so a reload starts
// from an empty table.
func (l *Loader) ResetAssets() {
	l.assets.Reset()
}

// Discover walks dir recursively for package archives. Archives without a
// valid manifest and archives repeating an already discovered name are
// skipped with a warning. A missing dir yields no packages.
func (l *Loader) Discover(dir string) ([]*Package, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat plugin directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugin path %s is not a directory", dir)
	}

	var packages []*Package
	seen := make(map[string]string)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			l.logger.WithFields(map[string]any{"path": p}).Error(err, "skipping unreadable path")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isArchive(p) {
			return nil
		}

		manifest, err := readManifest(p)
		if err != nil {
			l.logger.WithFields(map[string]any{"path": p}).Error(err, "skipping package without a valid manifest")
			return nil
		}
		if first, dup := seen[manifest.Name]; dup {
			l.logger.WithFields(map[string]any{
				"package":  manifest.Name,
				"path":     p,
				"existing": first,
			}).Warn("duplicate package name, keeping first")
			return nil
		}
		seen[manifest.Name] = p
		packages = append(packages, &Package{Path: p, Manifest: manifest})
		return nil
	})
	if walkErr != nil {
		return packages, fmt.Errorf("walk plugin directory: %w", walkErr)
	}

	return packages, nil
}

// Load gates pkg on running and, if compatible, extracts everything it
// ships. An incompatible package returns ErrIncompatible and touches
// nothing. Individual bad entries become diagnostics; only failure to
// open the archive is an error.
func (l *Loader) Load(pkg *Package, running Versions) (*LoadResult, error) {
	if err := CheckCompatibility(pkg.Manifest, running); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(pkg.Path)
	if err != nil {
		return nil, padmuxerrors.NewPluginError(pkg.Name(), fmt.Errorf("open archive: %w", err))
	}
	defer zr.Close()

	log := l.logger.With("package", pkg.Name())
	result := &LoadResult{Package: pkg}
	diag := func(entry string, err error) {
		log.WithFields(map[string]any{"entry": entry}).Error(err, "skipping package entry")
		result.Diagnostics = append(result.Diagnostics, fmt.Errorf("%s: %w", entry, err))
	}

	for _, f := range zr.File {
		switch ClassifyEntry(f.Name) {
		case EntryModule:
			data, err := readEntry(f)
			if err != nil {
				diag(f.Name, err)
				continue
			}
			register, err := l.opener.Open(f.Name, data)
			if err != nil {
				diag(f.Name, err)
				continue
			}
			result.Modules = append(result.Modules, plugin.Module{
				Name:     pkg.Name() + "/" + strings.TrimSuffix(path.Base(f.Name), ModuleSuffix),
				Package:  pkg.Name(),
				Register: register,
			})
		case EntryImage:
			data, err := readEntry(f)
			if err != nil {
				diag(f.Name, err)
				continue
			}
			if err := l.assets.Add(ImageAsset{Path: f.Name, Package: pkg.Name(), Data: data}); err != nil {
				diag(f.Name, err)
				continue
			}
			result.Images = append(result.Images, f.Name)
		case EntryNative:
			target, written, err := l.installNative(f)
			if err != nil {
				diag(f.Name, err)
				continue
			}
			if written {
				result.Natives = append(result.Natives, target)
			} else {
				log.WithFields(map[string]any{"target": target}).Debug("native library already present")
			}
		case EntryManifest, EntryIgnored:
		}
	}

	log.WithFields(map[string]any{
		"modules": len(result.Modules),
		"images":  len(result.Images),
		"natives": len(result.Natives),
	}).Info("package loaded")

	return result, nil
}

// LoadAll loads every package, logging and skipping the ones that fail.
func (l *Loader) LoadAll(packages []*Package, running Versions) []*LoadResult {
	results := make([]*LoadResult, 0, len(packages))
	for _, pkg := range packages {
		res, err := l.Load(pkg, running)
		if err != nil {
			l.logger.WithFields(map[string]any{"package": pkg.Name(), "path": pkg.Path}).Error(err, "package not loaded")
			continue
		}
		results = append(results, res)
	}
	return results
}

// Modules flattens the code modules of results in load order.
func Modules(results []*LoadResult) []plugin.Module {
	var modules []plugin.Module
	for _, r := range results {
		modules = append(modules, r.Modules...)
	}
	return modules
}

// installNative writes a native library into the native directory unless a
// file of the same name already exists.
func (l *Loader) installNative(f *zip.File) (string, bool, error) {
	if err := os.MkdirAll(l.nativeDir, 0o755); err != nil {
		return "", false, fmt.Errorf("create native directory: %w", err)
	}

	target := filepath.Join(l.nativeDir, path.Base(f.Name))
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o755)
	if errors.Is(err, os.ErrExist) {
		return target, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("create native library: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return "", false, fmt.Errorf("open entry: %w", err)
	}
	defer rc.Close()

	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return "", false, fmt.Errorf("write native library: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(target)
		return "", false, fmt.Errorf("write native library: %w", err)
	}

	return target, true, nil
}

func isArchive(p string) bool {
	return hasSuffix(strings.ToLower(filepath.Ext(p)), archiveSuffixes)
}

func readManifest(archive string) (*Manifest, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != ManifestEntry {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		return ParseManifest(archive+"!"+ManifestEntry, data)
	}

	return nil, fmt.Errorf("archive has no %s", ManifestEntry)
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}
	return data, nil
}
