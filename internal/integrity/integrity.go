// Package integrity parses checksum strings and verifies files against them.
package integrity

import (
	"crypto"
	"crypto/md5"  //nolint:gosec // Legacy backends still publish md5 digests.
	"crypto/sha1" //nolint:gosec // Legacy backends still publish sha1 digests.
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Algorithm names a supported digest.
type Algorithm string

const (
	// MD5 digests are 32 hex characters.
	MD5 Algorithm = "md5"
	// SHA1 digests are 40 hex characters.
	SHA1 Algorithm = "sha1"
	// SHA256 digests are 64 hex characters; the manifest stores these.
	SHA256 Algorithm = "sha256"
	// SHA512 digests are 128 hex characters.
	SHA512 Algorithm = "sha512"
)

var (
	// ErrMismatch is returned when a file digest differs from the expected one.
	ErrMismatch = errors.New("checksum mismatch")
	// errUnknownAlgorithm is returned for unsupported digest names or lengths.
	errUnknownAlgorithm = errors.New("unknown checksum algorithm")
	// errEmptyChecksum is returned when no checksum is given.
	errEmptyChecksum = errors.New("checksum is empty")
)

// MismatchError describes a failed verification.
type MismatchError struct {
	// Path is the verified file.
	Path string
	// Expected is the normalised expected checksum.
	Expected string
	// Actual is the computed checksum.
	Actual string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s: expected %s, got %s", ErrMismatch, e.Path, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrMismatch) match.
func (e *MismatchError) Is(target error) bool {
	return target == ErrMismatch
}

// Checksum is a parsed digest.
type Checksum struct {
	// Algorithm is the digest function.
	Algorithm Algorithm
	// Hex is the lowercase hex digest.
	Hex string
}

// String returns the "<algo>:<hex>" form.
func (c Checksum) String() string {
	return string(c.Algorithm) + ":" + c.Hex
}

// Sum returns the raw digest bytes.
func (c Checksum) Sum() ([]byte, error) {
	sum, err := hex.DecodeString(c.Hex)
	if err != nil {
		return nil, fmt.Errorf("decode checksum: %w", err)
	}

	return sum, nil
}

// Parse accepts "<algo>:<hex>" or a bare hex digest whose length selects the algorithm.
func Parse(raw string) (Checksum, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Checksum{}, errEmptyChecksum
	}

	var (
		algo  Algorithm
		value = raw
	)

	if name, digest, found := strings.Cut(raw, ":"); found {
		algo = Algorithm(strings.ToLower(name))
		value = digest
	}

	value = strings.ToLower(value)
	if _, err := hex.DecodeString(value); err != nil {
		return Checksum{}, fmt.Errorf("decode checksum %q: %w", raw, err)
	}

	if algo == "" {
		byLength, err := algorithmForLength(len(value))
		if err != nil {
			return Checksum{}, err
		}

		algo = byLength
	}

	if expected, err := algorithmForLength(len(value)); err != nil || expected != algo {
		return Checksum{}, fmt.Errorf("%w: %s with %d hex characters", errUnknownAlgorithm, algo, len(value))
	}

	return Checksum{Algorithm: algo, Hex: value}, nil
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil //nolint:gosec // See import comment.
	case SHA1:
		return sha1.New(), nil //nolint:gosec // See import comment.
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownAlgorithm, a)
	}
}

// Hash returns the crypto.Hash identifier of the algorithm.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case MD5:
		return crypto.MD5
	case SHA1:
		return crypto.SHA1
	case SHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// Compute hashes the file at path with the given algorithm.
func Compute(path string, algo Algorithm) (Checksum, error) {
	h, err := algo.New()
	if err != nil {
		return Checksum{}, err
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Checksum{}, fmt.Errorf("open %s: %w", path, err)
	}

	defer file.Close() //nolint:errcheck // Read-only handle.

	if _, err := io.Copy(h, file); err != nil {
		return Checksum{}, fmt.Errorf("hash %s: %w", path, err)
	}

	return Checksum{Algorithm: algo, Hex: hex.EncodeToString(h.Sum(nil))}, nil
}

// FileSHA256 returns the "sha256:<hex>" digest of the file, as stored in the manifest.
func FileSHA256(path string) (string, error) {
	sum, err := Compute(path, SHA256)
	if err != nil {
		return "", err
	}

	return sum.String(), nil
}

// Verify checks the file against the expected checksum string.
// It returns a *MismatchError matching ErrMismatch on a digest difference.
func Verify(path, expected string) error {
	want, err := Parse(expected)
	if err != nil {
		return err
	}

	got, err := Compute(path, want.Algorithm)
	if err != nil {
		return err
	}

	if got.Hex != want.Hex {
		return &MismatchError{Path: path, Expected: want.String(), Actual: got.String()}
	}

	return nil
}

// Equal reports whether two checksum strings denote the same digest.
func Equal(a, b string) bool {
	left, errLeft := Parse(a)
	right, errRight := Parse(b)

	if errLeft != nil || errRight != nil {
		return false
	}

	return left == right
}

func algorithmForLength(length int) (Algorithm, error) {
	switch length {
	case md5.Size * 2:
		return MD5, nil
	case sha1.Size * 2:
		return SHA1, nil
	case sha256.Size * 2:
		return SHA256, nil
	case sha512.Size * 2:
		return SHA512, nil
	default:
		return "", fmt.Errorf("%w: %d hex characters", errUnknownAlgorithm, length)
	}
}
