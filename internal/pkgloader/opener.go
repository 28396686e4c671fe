package pkgloader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"

	"github.com/alexisbeaulieu97/padmux/pkg/sdk"
)

// ModuleOpener turns the bytes of a code module into its entry point.
type ModuleOpener interface {
	Open(name string, data []byte) (sdk.RegisterFunc, error)
}

// ModuleOpenerFunc adapts a function to ModuleOpener.
type ModuleOpenerFunc func(name string, data []byte) (sdk.RegisterFunc, error)

// Open implements ModuleOpener.
func (f ModuleOpenerFunc) Open(name string, data []byte) (sdk.RegisterFunc, error) {
	return f(name, data)
}

// GoPluginOpener loads modules built with -buildmode=plugin. The runtime can
// only map a plugin from a file, so the bytes are staged in CacheDir under a
// content-addressed name first.
type GoPluginOpener struct {
	CacheDir string
}

// Open implements ModuleOpener.
func (o GoPluginOpener) Open(name string, data []byte) (sdk.RegisterFunc, error) {
	if o.CacheDir == "" {
		return nil, errors.New("module cache directory is not configured")
	}
	if err := os.MkdirAll(o.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create module cache: %w", err)
	}

	sum := sha256.Sum256(data)
	staged := filepath.Join(o.CacheDir, hex.EncodeToString(sum[:8])+"-"+filepath.Base(name))
	if _, err := os.Stat(staged); errors.Is(err, os.ErrNotExist) {
		tmp := staged + ".tmp"
		if err := os.WriteFile(tmp, data, 0o755); err != nil {
			return nil, fmt.Errorf("stage module: %w", err)
		}
		if err := os.Rename(tmp, staged); err != nil {
			_ = os.Remove(tmp)
			return nil, fmt.Errorf("stage module: %w", err)
		}
	}

	p, err := goplugin.Open(staged)
	if err != nil {
		return nil, fmt.Errorf("open module: %w", err)
	}
	sym, err := p.Lookup(sdk.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("module does not export %s: %w", sdk.EntryPoint, err)
	}

	switch fn := sym.(type) {
	case func(sdk.Registrar):
		return fn, nil
	case sdk.RegisterFunc:
		return fn, nil
	case *sdk.RegisterFunc:
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("%s is nil", sdk.EntryPoint)
		}
		return *fn, nil
	case *func(sdk.Registrar):
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("%s is nil", sdk.EntryPoint)
		}
		return *fn, nil
	default:
		return nil, fmt.Errorf("%s has unexpected type %T", sdk.EntryPoint, sym)
	}
}
