package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"regexp"
	"strings"
)

// GenerateUploadID generates an opaque upload handle with 256 bits of entropy
func GenerateUploadID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ComputeSHA256 computes the SHA256 hash of data
func ComputeSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeSHA256FromReader computes SHA256 hash from an io.Reader
func ComputeSHA256FromReader(reader io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFileName strips path components and unsafe characters from a
// client-supplied file name. The result is safe to join under the final
// storage namespace; an empty result means the name was unusable.
func SanitizeFileName(name string) string {
	// Drop any directory component, from either separator convention
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, ".")
	if len(name) > 255 {
		name = name[len(name)-255:]
	}
	return name
}
