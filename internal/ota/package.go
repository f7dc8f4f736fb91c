// Package ota drives over-the-air updates of AI models and firmware through
// the device's backdoor configuration channel.
package ota

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	versionOffset = 0x30
	versionEnd    = 0x40
	networkIDLen  = 6
)

var ErrInvalidPackage = errors.New("invalid model package")

// PackageHash is the base64 SHA-256 of the whole file.
func PackageHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// PackageVersion reads the version fingerprint from the package header.
// Short files yield whatever part of the range exists.
func PackageVersion(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, versionEnd-versionOffset)
	n, err := f.ReadAt(buf, versionOffset)
	if err != nil && err != io.EOF {
		return "", err
	}
	return string(buf[:n]), nil
}

// NetworkID extracts the network id, characters 6 to 12, from a model
// version string.
func NetworkID(version string) string {
	if len(version) <= 6 {
		return ""
	}
	return version[6:min(12, len(version))]
}

func NetworkIDs(versions []string) []string {
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		out = append(out, NetworkID(v))
	}
	return out
}

// PackageNetworkID fails with ErrInvalidPackage when the header carries no
// complete network id.
func PackageNetworkID(path string) (string, error) {
	v, err := PackageVersion(path)
	if err != nil {
		return "", err
	}
	id := NetworkID(v)
	if len(id) != networkIDLen {
		return "", fmt.Errorf("%w: version %q has no network id", ErrInvalidPackage, v)
	}
	return id, nil
}

func isLoaded(networkID string, versions []string) bool {
	if networkID == "" {
		return false
	}
	for _, id := range NetworkIDs(versions) {
		if id == networkID {
			return true
		}
	}
	return false
}
