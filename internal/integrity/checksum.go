// Package integrity verifies downloaded release packages: digest checks
// against the authority-supplied checksum and publisher signature checks.
// Functions here keep no shared state and are safe for concurrent use.
package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/breeze-rmm/updater/internal/release"
)

var (
	// ErrUnsupportedAlgorithm is returned for digest names other than
	// SHA256, SHA1 and MD5.
	ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")
	// ErrChecksumMismatch reports a file whose digest differs from the expected one.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// ParseAlgorithm maps a wire name such as "sha256", "SHA-256" or "md5" to an
// algorithm. An empty name defaults to SHA256.
func ParseAlgorithm(name string) (release.ChecksumAlgorithm, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "")
	switch n {
	case "", "SHA256":
		return release.SHA256, nil
	case "SHA1":
		return release.SHA1, nil
	case "MD5":
		return release.MD5, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

func newHash(alg release.ChecksumAlgorithm) (hash.Hash, error) {
	switch alg {
	case release.SHA256:
		return sha256.New(), nil
	case release.SHA1:
		return sha1.New(), nil
	case release.MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(alg))
	}
}

// ComputeChecksum returns the lowercase hex digest of the file at path.
func ComputeChecksum(path string, alg release.ChecksumAlgorithm) (string, error) {
	h, err := newHash(alg)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidatePackageIntegrity recomputes the digest of path and compares it
// with expected, ignoring case and surrounding whitespace.
func ValidatePackageIntegrity(path, expected string, alg release.ChecksumAlgorithm) (bool, error) {
	actual, err := ComputeChecksum(path, alg)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, strings.TrimSpace(expected)), nil
}

// VerifyFile is ValidatePackageIntegrity returning ErrChecksumMismatch
// instead of false, with both digests in the message.
func VerifyFile(path, expected string, alg release.ChecksumAlgorithm) (string, error) {
	actual, err := ComputeChecksum(path, alg)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return actual, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, strings.ToLower(strings.TrimSpace(expected)), actual)
	}
	return actual, nil
}
