package pkgloader

import (
	"testing"

	"github.com/stretchr/testify/require"

	padmuxerrors "github.com/alexisbeaulieu97/padmux/pkg/errors"
)

func TestParseManifest(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest("test", []byte(manifestJSON("dualsense", "1.0.0", "1.9.0")))
	require.NoError(t, err)
	require.Equal(t, "dualsense", m.Name)
	require.Equal(t, "1.0.0", m.SemVer().String())
	require.Equal(t, "1.0.0 - 1.9.0", m.CoreRange().String())
	require.Equal(t, "6.0.0 - 8.0.0", m.FrameworkRange().String())
}

func TestParseManifestRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		validation bool
	}{
		{name: "malformed json", body: `{"name":`, validation: false},
		{name: "missing framework", body: `{"name":"x","version":"1.0.0","core":{"min":"1.0.0"}}`, validation: true},
		{name: "bad name", body: `{"name":"-x","version":"1.0.0","core":{"min":"1.0.0"},"framework":{"min":"1.0.0"}}`, validation: true},
		{name: "bad version", body: `{"name":"x","version":"one","core":{"min":"1.0.0"},"framework":{"min":"1.0.0"}}`, validation: true},
		{name: "inverted range", body: `{"name":"x","version":"1.0.0","core":{"min":"2.0.0","max":"1.0.0"},"framework":{"min":"1.0.0"}}`, validation: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseManifest("manifest.json", []byte(tc.body))
			require.Error(t, err)
			if tc.validation {
				var verr *padmuxerrors.ValidationError
				require.ErrorAs(t, err, &verr)
			} else {
				var perr *padmuxerrors.ParseError
				require.ErrorAs(t, err, &perr)
			}
		})
	}
}

func TestRangeContainsIsInclusive(t *testing.T) {
	t.Parallel()

	r, err := ParseRange("6.0.0", "8.0.0")
	require.NoError(t, err)

	versions := MustParseVersions("6.0.0", "8.0.0")
	require.True(t, r.Contains(versions.Core))
	require.True(t, r.Contains(versions.Framework))

	outside := MustParseVersions("5.9.9", "8.0.1")
	require.False(t, r.Contains(outside.Core))
	require.False(t, r.Contains(outside.Framework))
	require.False(t, r.Contains(nil))
}
