// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pathmap turns filenames stored in a producer manifest into locally
// openable paths.
package pathmap

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Mapping maps a producer-side root to a local root.
type Mapping struct {
	ReceiverRoot string `yaml:"receiver_root"`
	LocalRoot    string `yaml:"local_root"`
}

// Resolver resolves a stored filename relative to the manifest's directory.
type Resolver interface {
	Resolve(manifestDir, stored string) (string, error)
}

// Mapper resolves stored names: relative names join the manifest directory,
// absolute names go through the configured mappings and otherwise fall back to
// their base name inside the manifest directory, so a manifest can be relocated
// (or reached over a share) without rewriting its absolute paths.
type Mapper struct {
	mappings []Mapping
}

// New creates a Mapper with the valid subset of mappings.
func New(mappings []Mapping) *Mapper {
	var valid []Mapping
	for _, m := range mappings {
		receiverRoot := normalize(m.ReceiverRoot)
		localRoot := strings.TrimSuffix(m.LocalRoot, "/")

		// Both roots must be absolute
		if !isAbs(receiverRoot) || !filepath.IsAbs(localRoot) {
			continue
		}
		receiverRoot = strings.TrimSuffix(receiverRoot, "/")

		// Skip root-only or invalid mappings
		if receiverRoot == "" || receiverRoot == "/" || isDriveRoot(receiverRoot) || localRoot == "" || localRoot == "/" {
			continue
		}
		valid = append(valid, Mapping{ReceiverRoot: receiverRoot, LocalRoot: localRoot})
	}
	return &Mapper{mappings: valid}
}

// Resolve implements Resolver.
func (m *Mapper) Resolve(manifestDir, stored string) (string, error) {
	name := strings.TrimSpace(stored)
	if name == "" {
		return "", fmt.Errorf("empty segment filename")
	}
	clean := normalize(name)

	if isAbs(clean) {
		if local, ok := m.ResolveLocal(clean); ok {
			return local, nil
		}
		base := path.Base(clean)
		if base == "/" || base == "." || base == ".." || isDriveRoot(base) {
			return "", fmt.Errorf("segment filename has no base name: %q", stored)
		}
		return filepath.Join(manifestDir, base), nil
	}

	if isDriveRoot(clean) {
		return "", fmt.Errorf("segment filename has no base name: %q", stored)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("segment filename escapes manifest directory: %q", stored)
	}
	return filepath.Join(manifestDir, filepath.FromSlash(clean)), nil
}

// ResolveLocal maps an absolute producer path to a local path.
// Returns ("", false) if no mapping matches or the path is invalid.
// Longest prefix wins.
func (m *Mapper) ResolveLocal(receiverPath string) (string, bool) {
	clean := normalize(receiverPath)
	if !isAbs(clean) || clean == "/" {
		return "", false
	}
	// Block traversal (path.Clean should handle this, but explicit check)
	if strings.Contains(clean, "..") {
		return "", false
	}

	var bestMatch *Mapping
	var bestRel string
	longestLen := 0

	for i := range m.mappings {
		mp := &m.mappings[i]
		root := mp.ReceiverRoot

		var rel string
		switch {
		case clean == root:
			rel = ""
		case strings.HasPrefix(clean, root+"/"):
			rel = strings.TrimPrefix(clean, root+"/")
		default:
			continue
		}

		// Longest prefix wins (/media/hdd/timeshift vs /media/hdd/timeshift2)
		if len(root) > longestLen {
			longestLen = len(root)
			bestMatch = mp
			bestRel = rel
		}
	}
	if bestMatch == nil {
		return "", false
	}
	if bestRel == "" {
		return bestMatch.LocalRoot, true
	}
	return filepath.Join(bestMatch.LocalRoot, filepath.FromSlash(bestRel)), true
}

// normalize converts Windows separators and cleans the path in POSIX form.
func normalize(p string) string {
	if p == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

// isAbs accepts POSIX absolute paths and Windows drive paths (C:/...).
func isAbs(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 3 && isDriveLetter(p[0]) && p[1] == ':' && p[2] == '/'
}

func isDriveRoot(p string) bool {
	return (len(p) == 2 || (len(p) == 3 && p[2] == '/')) && isDriveLetter(p[0]) && p[1] == ':'
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
