package pkgloader

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Range is an inclusive version interval. A nil Max is unbounded.
type Range struct {
	Min *semver.Version
	Max *semver.Version
}

// ParseRange parses a min/max pair. max may be empty.
func ParseRange(minStr, maxStr string) (Range, error) {
	minStr = strings.TrimSpace(minStr)
	if minStr == "" {
		return Range{}, fmt.Errorf("minimum version is empty")
	}

	minV, err := semver.NewVersion(minStr)
	if err != nil {
		return Range{}, fmt.Errorf("invalid minimum version '%s': %w", minStr, err)
	}

	r := Range{Min: minV}
	if maxStr = strings.TrimSpace(maxStr); maxStr != "" {
		maxV, err := semver.NewVersion(maxStr)
		if err != nil {
			return Range{}, fmt.Errorf("invalid maximum version '%s': %w", maxStr, err)
		}
		if maxV.LessThan(minV) {
			return Range{}, fmt.Errorf("maximum version %s is below minimum %s", maxV, minV)
		}
		r.Max = maxV
	}

	return r, nil
}

// Contains reports whether v lies within the range, endpoints included.
func (r Range) Contains(v *semver.Version) bool {
	if v == nil || r.Min == nil {
		return false
	}
	if v.LessThan(r.Min) {
		return false
	}
	if r.Max != nil && v.GreaterThan(r.Max) {
		return false
	}
	return true
}

// String returns the canonical representation of the range.
func (r Range) String() string {
	if r.Min == nil {
		return ""
	}
	if r.Max == nil {
		return fmt.Sprintf(">= %s", r.Min)
	}
	return fmt.Sprintf("%s - %s", r.Min, r.Max)
}

// Versions is the pair of running host versions a package is checked against.
type Versions struct {
	Core      *semver.Version
	Framework *semver.Version
}

// ParseVersions parses the running core and framework versions.
func ParseVersions(core, framework string) (Versions, error) {
	c, err := semver.NewVersion(core)
	if err != nil {
		return Versions{}, fmt.Errorf("invalid core version '%s': %w", core, err)
	}
	f, err := semver.NewVersion(framework)
	if err != nil {
		return Versions{}, fmt.Errorf("invalid framework version '%s': %w", framework, err)
	}
	return Versions{Core: c, Framework: f}, nil
}

// MustParseVersions panics if either version cannot be parsed.
func MustParseVersions(core, framework string) Versions {
	v, err := ParseVersions(core, framework)
	if err != nil {
		panic(err)
	}
	return v
}

// ErrIncompatible is returned when a package does not admit the running versions.
type ErrIncompatible struct {
	Package   string
	Component string
	Running   string
	Range     string
}

func (e ErrIncompatible) Error() string {
	return fmt.Sprintf(
		"package '%s' requires %s %s but %s is running\nHint: install a package build that targets this host",
		e.Package, e.Component, e.Range, e.Running,
	)
}

// CheckCompatibility verifies both host versions fall inside the manifest ranges.
func CheckCompatibility(m *Manifest, running Versions) error {
	if !m.core.Contains(running.Core) {
		return ErrIncompatible{Package: m.Name, Component: "core", Running: versionString(running.Core), Range: m.core.String()}
	}
	if !m.framework.Contains(running.Framework) {
		return ErrIncompatible{Package: m.Name, Component: "framework", Running: versionString(running.Framework), Range: m.framework.String()}
	}
	return nil
}

func versionString(v *semver.Version) string {
	if v == nil {
		return "<unknown>"
	}
	return v.String()
}
