// Package sanitize validates untrusted input before it reaches the file
// system or an npm command line.
package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

var (
	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrRelativePath indicates a relative path where an absolute one is required.
	ErrRelativePath = errors.New("path must be absolute")

	// ErrPathTraversal indicates a path contains directory traversal.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrInvalidPackageName indicates a string is not a valid npm package name.
	ErrInvalidPackageName = errors.New("invalid package name")

	// ErrInvalidVersion indicates a version specifier npm could misread.
	ErrInvalidVersion = errors.New("invalid version")
)

// maxPackageNameLength is npm's limit on package name length.
const maxPackageNameLength = 214

// packageNamePattern matches unscoped and scoped npm package names. Legacy
// names with uppercase letters are still installable, so they are accepted.
var packageNamePattern = regexp.MustCompile(`^(?:@[A-Za-z0-9~][A-Za-z0-9._~-]*/)?[A-Za-z0-9~][A-Za-z0-9._~-]*$`)

// versionPattern matches versions, dist-tags and ranges, including
// space-separated comparators, hyphen ranges and "||" unions. The value is
// passed to npm as one argument, so spaces are safe inside it. It cannot
// start with '-', start or end with a space, or hold other whitespace or
// shell metacharacters.
var versionPattern = regexp.MustCompile(`^[A-Za-z0-9^~=<>*.](?:[A-Za-z0-9^~=<>*.+_| -]*[A-Za-z0-9^~=<>*.+_-])?$`)

// ValidatePath checks a client supplied project path:
//   - It must be absolute and free of NUL bytes
//   - No ".." segment may appear
//   - When allowedRoot is set, the path must stay within it
//
// The cleaned path is returned.
func ValidatePath(path, allowedRoot string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrPathTraversal)
	}
	if slices.Contains(strings.FieldsFunc(filepath.ToSlash(path), isSlash), "..") {
		return "", fmt.Errorf("%w: contains '..'", ErrPathTraversal)
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrRelativePath, path)
	}

	clean := filepath.Clean(path)
	if allowedRoot == "" {
		return clean, nil
	}

	rel, err := filepath.Rel(filepath.Clean(allowedRoot), clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes %s", ErrPathTraversal, allowedRoot)
	}
	return clean, nil
}

func isSlash(r rune) bool { return r == '/' }

// ValidatePackageName checks name against npm's naming rules so it cannot be
// mistaken for a flag, path or URL on the npm command line.
func ValidatePackageName(name string) error {
	if name == "" || len(name) > maxPackageNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidPackageName, name)
	}
	if !packageNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPackageName, name)
	}
	return nil
}

// ValidateVersion checks a version, range or dist-tag.
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return nil
}
