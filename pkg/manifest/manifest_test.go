package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseManifestComputesDigestAndRefs(t *testing.T) {
	raw := []byte(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.oci.image.manifest.v1+json",
		"config": {"digest": "sha256:aaa", "size": 10, "mediaType": "application/vnd.oci.image.config.v1+json"},
		"layers": [
			{"digest": "sha256:bbb", "size": 20, "mediaType": "application/vnd.oci.image.layer.v1.tar+gzip"},
			{"digest": "sha256:ccc", "size": 30, "mediaType": "application/vnd.oci.image.layer.v1.tar+gzip"}
		]
	}`)

	p, err := parseManifest(raw, "")
	require.NoError(t, err)
	require.Equal(t, 2, p.SchemaVersion)
	require.Equal(t, "application/vnd.oci.image.manifest.v1+json", p.MediaType)
	require.Len(t, p.Refs, 3)
	require.Equal(t, "sha256:aaa", p.Refs[0].Digest)
	require.Regexp(t, `^sha256:[0-9a-f]{64}$`, p.Digest)
}

func TestParseManifestContentTypeOverridesDocument(t *testing.T) {
	raw := []byte(`{"schemaVersion": 2, "mediaType": "application/vnd.docker.distribution.manifest.v2+json"}`)
	p, err := parseManifest(raw, "application/vnd.oci.image.manifest.v1+json")
	require.NoError(t, err)
	require.Equal(t, "application/vnd.oci.image.manifest.v1+json", p.MediaType)
}

func TestParseManifestDefaultsSchemaVersion(t *testing.T) {
	raw := []byte(`{"mediaType": "application/vnd.oci.image.manifest.v1+json"}`)
	p, err := parseManifest(raw, "")
	require.NoError(t, err)
	require.Equal(t, 2, p.SchemaVersion)
}

func TestParseManifestRejectsInvalidJSON(t *testing.T) {
	_, err := parseManifest([]byte("not json"), "")
	require.Error(t, err)
}

func TestIsDigest(t *testing.T) {
	require.True(t, isDigest("sha256:abcdef"))
	require.False(t, isDigest("latest"))
	require.False(t, isDigest("v1.0.0"))
}
