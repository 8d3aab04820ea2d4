// Package zipval enforces the upload archive policy before any side effect
// of job admission.
package zipval

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	unixFileTypeMask = 0o170000
	unixSymlinkType  = 0o120000
)

// sandboxRoot is the virtual root every entry name must stay inside after
// normalization. Nothing is actually extracted during validation.
const sandboxRoot = "/zip-validate"

// ValidationError marks a policy violation; callers map it to 412.
type ValidationError struct{ msg string }

func (e *ValidationError) Error() string { return e.msg }

func violation(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a policy violation rather than
// an I/O failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Policy bounds an uploaded archive.
type Policy struct {
	MaxFiles             int
	MaxUncompressedBytes int64
	MaxCompressionRatio  int
	RequireSolidity      bool
}

// Validate checks the raw zip bytes against the policy: entry count, path
// traversal, symlink mode bits, total uncompressed size, compression ratio
// and the Solidity requirement. Directory entries are skipped.
func Validate(data []byte, p Policy) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return violation("invalid zip file")
	}

	var totalUncompressed int64
	fileCount := 0
	hasSolidity := false

	for _, f := range zr.File {
		name := f.Name
		if strings.HasSuffix(name, "/") {
			continue
		}

		fileCount++
		if fileCount > p.MaxFiles {
			return violation("too many files in zip (>%d)", p.MaxFiles)
		}
		if escapesSandbox(name) {
			return violation("path traversal detected in zip")
		}
		if mode := f.ExternalAttrs >> 16; mode&unixFileTypeMask == unixSymlinkType {
			return violation("symlinks in zip are not allowed")
		}

		totalUncompressed += int64(f.UncompressedSize64)
		if totalUncompressed > p.MaxUncompressedBytes {
			return violation("zip uncompressed size too large (>%d bytes)", p.MaxUncompressedBytes)
		}

		if p.RequireSolidity && strings.HasSuffix(strings.ToLower(name), ".sol") {
			hasSolidity = true
		}
	}

	if p.MaxCompressionRatio > 0 && len(data) > 0 {
		ratio := float64(totalUncompressed) / float64(len(data))
		if ratio > float64(p.MaxCompressionRatio) {
			return violation("zip compression ratio too high (%.1f > %d)", ratio, p.MaxCompressionRatio)
		}
	}
	if p.RequireSolidity && !hasSolidity {
		return violation("zip does not contain Solidity (*.sol) files")
	}
	return nil
}

// escapesSandbox resolves the entry name against the virtual sandbox root
// and reports whether the result leaves it. Absolute names, drive-letter
// prefixes and any dot-dot escape are all rejected by the join+clean.
func escapesSandbox(name string) bool {
	cleaned := path.Clean(path.Join(sandboxRoot, strings.ReplaceAll(name, `\`, "/")))
	return cleaned != sandboxRoot && !strings.HasPrefix(cleaned, sandboxRoot+"/")
}
