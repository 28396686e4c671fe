// Package pkgloader discovers plugin package archives, gates them on version
// compatibility and extracts their code modules, images and native libraries.
package pkgloader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	padmuxerrors "github.com/alexisbeaulieu97/padmux/pkg/errors"
)

// ManifestEntry is the archive entry holding the package manifest.
const ManifestEntry = "manifest.json"

const manifestSchemaURL = "padmux://schema/manifest-v1.json"

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "version", "core", "framework"],
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$", "maxLength": 100},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "core": {"$ref": "#/definitions/range"},
    "framework": {"$ref": "#/definitions/range"}
  },
  "definitions": {
    "range": {
      "type": "object",
      "required": ["min"],
      "properties": {
        "min": {"type": "string", "minLength": 1},
        "max": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schemaInst *jsonschema.Schema
	schemaErr  error
)

func manifestSchemaInstance() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(manifestSchemaURL, bytes.NewReader([]byte(manifestSchema))); err != nil {
			schemaErr = err
			return
		}
		schemaInst, schemaErr = compiler.Compile(manifestSchemaURL)
	})
	return schemaInst, schemaErr
}

// VersionRange is the raw min/max pair as written in a manifest.
type VersionRange struct {
	Min string `json:"min"`
	Max string `json:"max,omitempty"`
}

// Manifest describes a plugin package and the host versions it supports.
type Manifest struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Core        VersionRange `json:"core"`
	Framework   VersionRange `json:"framework"`

	version   *semver.Version
	core      Range
	framework Range
}

// SemVer returns the parsed package version.
func (m *Manifest) SemVer() *semver.Version {
	return m.version
}

// CoreRange returns the parsed core-library range.
func (m *Manifest) CoreRange() Range {
	return m.core
}

// FrameworkRange returns the parsed framework range.
func (m *Manifest) FrameworkRange() Range {
	return m.framework
}

// ParseManifest decodes and validates manifest bytes. source is used only
// for error messages.
func ParseManifest(source string, data []byte) (*Manifest, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, padmuxerrors.NewParseError(source, 0, err)
	}

	schema, err := manifestSchemaInstance()
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, padmuxerrors.NewValidationError(source, "manifest does not match schema", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, padmuxerrors.NewParseError(source, 0, err)
	}

	m.version, err = semver.NewVersion(m.Version)
	if err != nil {
		return nil, padmuxerrors.NewValidationError("version", fmt.Sprintf("invalid package version '%s'", m.Version), err)
	}
	if m.core, err = ParseRange(m.Core.Min, m.Core.Max); err != nil {
		return nil, padmuxerrors.NewValidationError("core", err.Error(), err)
	}
	if m.framework, err = ParseRange(m.Framework.Min, m.Framework.Max); err != nil {
		return nil, padmuxerrors.NewValidationError("framework", err.Error(), err)
	}

	return &m, nil
}
