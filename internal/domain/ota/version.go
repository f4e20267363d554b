package ota

import (
	"errors"
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// DefaultVersion is the firmware version assumed on a device without history.
const DefaultVersion = "1.0.0"

// ErrIncompatibleVersion is returned when the current version is outside a package range.
var ErrIncompatibleVersion = errors.New("current version is outside the supported range")

// ParseVersion parses a firmware version string.
func ParseVersion(raw string) (*goversion.Version, error) {
	parsed, err := goversion.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", raw, err)
	}

	return parsed, nil
}

// SameVersion reports whether two version strings denote the same version.
// Unparseable strings fall back to plain comparison.
func SameVersion(a, b string) bool {
	left, errLeft := goversion.NewVersion(a)
	right, errRight := goversion.NewVersion(b)

	if errLeft != nil || errRight != nil {
		return a == b
	}

	return left.Equal(right)
}

// CompareVersions returns -1, 0 or 1. Unparseable versions sort before parseable ones.
func CompareVersions(a, b string) int {
	left, errLeft := goversion.NewVersion(a)
	right, errRight := goversion.NewVersion(b)

	switch {
	case errLeft != nil && errRight != nil:
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case errLeft != nil:
		return -1
	case errRight != nil:
		return 1
	default:
		return left.Compare(right)
	}
}

// CheckCompatibility verifies that current lies within [minVersion, maxVersion].
// Empty bounds are open.
func CheckCompatibility(current, minVersion, maxVersion string) error {
	if minVersion == "" && maxVersion == "" {
		return nil
	}

	cur, err := ParseVersion(current)
	if err != nil {
		return err
	}

	if minVersion != "" {
		lower, err := ParseVersion(minVersion)
		if err != nil {
			return err
		}

		if cur.LessThan(lower) {
			return fmt.Errorf("%w: %s < min %s", ErrIncompatibleVersion, current, minVersion)
		}
	}

	if maxVersion != "" {
		upper, err := ParseVersion(maxVersion)
		if err != nil {
			return err
		}

		if cur.GreaterThan(upper) {
			return fmt.Errorf("%w: %s > max %s", ErrIncompatibleVersion, current, maxVersion)
		}
	}

	return nil
}
