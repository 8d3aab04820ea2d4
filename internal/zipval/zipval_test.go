package zipval

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basePolicy() Policy {
	return Policy{
		MaxFiles:             10,
		MaxUncompressedBytes: 1 << 20,
		MaxCompressionRatio:  100,
		RequireSolidity:      true,
	}
}

func makeZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestValidate_OK(t *testing.T) {
	data := makeZip(t, map[string]string{
		"contracts/Token.sol": "contract Token {}",
		"hardhat.config.js":   "module.exports = {}",
		"docs/":               "",
	})
	assert.NoError(t, Validate(data, basePolicy()))
}

func TestValidate_NotAZip(t *testing.T) {
	err := Validate([]byte("this is not a zip"), basePolicy())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "invalid zip file")
}

func TestValidate_TooManyFiles(t *testing.T) {
	entries := map[string]string{"a.sol": "x", "b.sol": "x", "c.sol": "x"}
	p := basePolicy()
	p.MaxFiles = 2
	err := Validate(makeZip(t, entries), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many files")
}

func TestValidate_PathTraversal(t *testing.T) {
	data := makeZip(t, map[string]string{
		"../../etc/passwd": "root",
		"Token.sol":        "contract Token {}",
	})
	err := Validate(data, basePolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")
}

func TestValidate_AbsolutePath(t *testing.T) {
	data := makeZip(t, map[string]string{
		"/etc/passwd": "root",
		"Token.sol":   "contract Token {}",
	})
	err := Validate(data, basePolicy())
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestValidate_Symlink(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{Name: "link.sol"}
	hdr.ExternalAttrs = uint32(unixSymlinkType) << 16
	f, err := zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = f.Write([]byte("/etc/passwd"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	err = Validate(buf.Bytes(), basePolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlinks")
}

func TestValidate_UncompressedTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("A"), 2048)
	p := basePolicy()
	p.MaxUncompressedBytes = 1024
	p.MaxCompressionRatio = 0
	err := Validate(makeZip(t, map[string]string{"Token.sol": string(big)}), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uncompressed size too large")
}

func TestValidate_CompressionRatio(t *testing.T) {
	// Highly repetitive content compresses far past a ratio of 2.
	big := bytes.Repeat([]byte("A"), 1<<16)
	p := basePolicy()
	p.MaxCompressionRatio = 2
	err := Validate(makeZip(t, map[string]string{"Token.sol": string(big)}), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compression ratio too high")
}

func TestValidate_RequiresSolidity(t *testing.T) {
	data := makeZip(t, map[string]string{"README.md": "no contracts here"})
	err := Validate(data, basePolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Solidity")

	p := basePolicy()
	p.RequireSolidity = false
	assert.NoError(t, Validate(data, p))
}

func TestEscapesSandbox(t *testing.T) {
	assert.False(t, escapesSandbox("contracts/Token.sol"))
	assert.False(t, escapesSandbox("./a/b"))
	assert.True(t, escapesSandbox("../outside"))
	assert.True(t, escapesSandbox("a/../../outside"))
	assert.False(t, escapesSandbox(`windows\style\path.sol`))
	assert.True(t, escapesSandbox(`..\escape.sol`))
}
