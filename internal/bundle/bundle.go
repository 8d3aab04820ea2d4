// Package bundle builds and parses the one-shot secret bundle: an
// uncompressed tar with the user upload first and the credential envelope
// second.
package bundle

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// UploadEntry is the tar entry holding the user archive byte-identical.
	UploadEntry = "upload.zip"
	// KeyEntry is the tar entry holding the credential envelope JSON.
	KeyEntry = "key.json"
)

// Key is the credential envelope stored next to the upload.
type Key struct {
	OpenAIToken string `json:"openai_token"`
	KeyMode     string `json:"key_mode"`
	Provider    string `json:"provider"`
}

// Build serializes the bundle deterministically: upload.zip first, then
// key.json.
func Build(upload []byte, key Key) ([]byte, error) {
	keyPayload, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("op=bundle.build: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	entries := []struct {
		name string
		data []byte
	}{
		{UploadEntry, upload},
		{KeyEntry, keyPayload},
	}
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o600, Size: int64(len(e.data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("op=bundle.build: %w", err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, fmt.Errorf("op=bundle.build: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("op=bundle.build: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse extracts the upload bytes and the credential envelope from bundle
// bytes. The key mode is normalized; unknown modes fall back to direct.
func Parse(data []byte) ([]byte, Key, error) {
	tr := tar.NewReader(bytes.NewReader(data))

	var upload []byte
	var key *Key
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, Key{}, fmt.Errorf("op=bundle.parse: %w", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, Key{}, fmt.Errorf("op=bundle.parse: %w", err)
		}
		switch hdr.Name {
		case UploadEntry:
			upload = body
		case KeyEntry:
			var k Key
			if err := json.Unmarshal(body, &k); err != nil {
				return nil, Key{}, fmt.Errorf("op=bundle.parse: invalid %s: %w", KeyEntry, err)
			}
			key = &k
		}
	}

	if upload == nil {
		return nil, Key{}, fmt.Errorf("op=bundle.parse: missing %s", UploadEntry)
	}
	if key == nil {
		return nil, Key{}, fmt.Errorf("op=bundle.parse: missing %s", KeyEntry)
	}
	if key.OpenAIToken == "" {
		return nil, Key{}, fmt.Errorf("op=bundle.parse: missing openai_token")
	}
	switch key.KeyMode {
	case "proxy", "proxy_static", "direct":
	default:
		key.KeyMode = "direct"
	}
	return upload, *key, nil
}
