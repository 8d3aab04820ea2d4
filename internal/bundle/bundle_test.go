package bundle

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParse_Roundtrip(t *testing.T) {
	upload := []byte("PK\x03\x04 pretend zip bytes")
	key := Key{OpenAIToken: "sk-live", KeyMode: "proxy", Provider: "openrouter"}

	data, err := Build(upload, key)
	require.NoError(t, err)

	gotUpload, gotKey, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, upload, gotUpload)
	assert.Equal(t, key, gotKey)
}

func TestBuild_EntryOrder(t *testing.T) {
	data, err := Build([]byte("zip"), Key{OpenAIToken: "k", KeyMode: "direct"})
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(data))
	first, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, UploadEntry, first.Name)
	second, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, KeyEntry, second.Name)
}

func TestParse_UnknownModeFallsBackToDirect(t *testing.T) {
	data, err := Build([]byte("zip"), Key{OpenAIToken: "k", KeyMode: "mystery"})
	require.NoError(t, err)

	_, key, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "direct", key.KeyMode)
}

func TestParse_MissingEntries(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: UploadEntry, Mode: 0o600, Size: 3}))
	_, err := tw.Write([]byte("zip"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, _, err = Parse(buf.Bytes())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing key.json")

	_, _, err = Parse([]byte("not a tar at all"))
	assert.Error(t, err)
}

func TestParse_EmptyToken(t *testing.T) {
	data, err := Build([]byte("zip"), Key{KeyMode: "direct"})
	require.NoError(t, err)

	_, _, err = Parse(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing openai_token")
}
