package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleHash40 = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
const sampleHash40b = "356a192b7913b04c54574d18c28d46e6395428ab"

func TestParseSimpleManifestRoundTrip(t *testing.T) {
	spec := ManifestSpec{
		Date: "2026-01-01T00:00:00",
		User: "alice",
		Files: []FileCard{
			{Name: "README.md", UUID: sampleHash40},
		},
	}
	raw := BuildManifest(spec)
	art, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, VariantManifest, art.Variant)
	require.Equal(t, "alice", art.User)
	require.Len(t, art.Files, 1)
	require.Equal(t, "README.md", art.Files[0].Name)
}

func TestParseRejectsOutOfOrderCards(t *testing.T) {
	raw := []byte("U alice\nD 2026-01-01T00:00:00\nF a 1\nZ 00000000000000000000000000000000\n")
	_, err := Parse(raw)
	require.ErrorIs(t, err, errOutOfOrder)
}

func TestParseRejectsMissingD(t *testing.T) {
	spec := ManifestSpec{User: "alice", Files: []FileCard{{Name: "a", UUID: sampleHash40}}}
	raw := BuildManifest(spec)
	// Strip the D line to simulate missing required card, and reseal with a
	// fresh Z so the missing D is the only fault left.
	var kept []string
	for _, l := range strings.Split(string(raw), "\n") {
		if l == "" || strings.HasPrefix(l, "D ") || strings.HasPrefix(l, "Z ") {
			continue
		}
		kept = append(kept, l+"\n")
	}
	raw = appendZ([]byte(strings.Join(kept, "")))
	_, err := Parse(raw)
	require.ErrorIs(t, err, errMissingCard)
}

func TestParseRejectsZMismatchWhenCorrupted(t *testing.T) {
	spec := ManifestSpec{Date: "2026-01-01T00:00:00", User: "alice", Files: []FileCard{{Name: "a", UUID: sampleHash40}}}
	raw := BuildManifest(spec)
	// Corrupt a byte inside the body so Z no longer matches.
	corrupt := append([]byte{}, raw...)
	idx := strings.Index(string(corrupt), "alice")
	corrupt[idx] = 'A'
	_, err := Parse(corrupt)
	require.ErrorIs(t, err, errBadZ)
}

func TestParseRejectsHexOnlyTagName(t *testing.T) {
	spec := ControlSpec{
		Date: "2026-01-01T00:00:00",
		User: "alice",
		Tags: []TagCard{{Kind: '+', Name: sampleHash40, Target: "*"}},
	}
	raw := BuildControl(spec)
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsNonSimplePath(t *testing.T) {
	spec := ManifestSpec{
		Date: "2026-01-01T00:00:00",
		User: "alice",
		Files: []FileCard{{Name: "../etc/passwd", UUID: sampleHash40}},
	}
	raw := BuildManifest(spec)
	_, err := Parse(raw)
	require.ErrorIs(t, err, errBadPath)
}

func TestParseClusterOnlyAllowsMAndZ(t *testing.T) {
	raw := appendZ([]byte("M " + sampleHash40 + "\nM " + sampleHash40b + "\n"))
	art, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, VariantCluster, art.Variant)
	require.Len(t, art.Members, 2)
}

func TestParsePGPWrapperTolerated(t *testing.T) {
	spec := ManifestSpec{Date: "2026-01-01T00:00:00", User: "alice", Files: []FileCard{{Name: "a", UUID: sampleHash40}}}
	inner := BuildManifest(spec)
	wrapped := []byte(pgpBegin + "\nHash: SHA1\n\n" + string(inner) + "-----BEGIN PGP SIGNATURE-----\nbogus\n-----END PGP SIGNATURE-----\n")
	art, err := Parse(wrapped)
	require.NoError(t, err)
	require.Equal(t, "alice", art.User)
}

func TestFossilizeDefossilizeRoundTrip(t *testing.T) {
	s := "hello world\twith\ntabs and\\backslashes"
	require.Equal(t, s, mustDefossilize(t, Fossilize(s)))
}

func mustDefossilize(t *testing.T, s string) string {
	t.Helper()
	out, err := Defossilize(s)
	require.NoError(t, err)
	return out
}
