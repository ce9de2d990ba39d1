// Package pathutil provides path and name validation utilities for JVB.
package pathutil

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jvs-project/jvb/pkg/errclass"
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateTag validates a snapshot tag.
func ValidateTag(tag string) error {
	if tag == "" {
		return errclass.ErrNameInvalid.WithMessage("tag must not be empty")
	}
	tag = norm.NFC.String(tag)
	for _, r := range tag {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("tag must not contain control characters: %q", tag)
		}
	}
	if !nameRegex.MatchString(tag) {
		return errclass.ErrNameInvalid.WithMessagef("tag must match [a-zA-Z0-9._-]+: %s", tag)
	}
	return nil
}

// NormalizeEntryPath converts an OS-relative path into the slash-separated,
// NFC-normalized form recorded in manifests.
func NormalizeEntryPath(rel string) string {
	return norm.NFC.String(filepath.ToSlash(rel))
}

// ValidateEntryPath checks that a manifest entry path is relative, clean and
// cannot climb out of the directory it is restored into.
func ValidateEntryPath(p string) error {
	if p == "" {
		return errclass.ErrPathEscape.WithMessage("entry path must not be empty")
	}
	if strings.ContainsRune(p, 0) {
		return errclass.ErrPathEscape.WithMessagef("entry path contains NUL: %q", p)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") || filepath.IsAbs(p) {
		return errclass.ErrPathEscape.WithMessagef("entry path must be relative: %s", p)
	}
	if path.Clean(p) != p {
		return errclass.ErrPathEscape.WithMessagef("entry path is not clean: %s", p)
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." || elem == "." {
			return errclass.ErrPathEscape.WithMessagef("entry path escapes root: %s", p)
		}
	}
	return nil
}

// JoinUnder validates rel and joins it onto root.
func JoinUnder(root, rel string) (string, error) {
	if err := ValidateEntryPath(rel); err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}

// ValidatePathSafety verifies target path does not escape root once symlinks
// in its existing ancestors are resolved.
func ValidatePathSafety(root, targetPath string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return errclass.ErrPathEscape.WithMessagef("cannot resolve root: %v", err)
	}

	resolvedTarget, err := filepath.EvalSymlinks(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			resolvedTarget = resolveClosestAncestor(targetPath)
		} else {
			return errclass.ErrPathEscape.WithMessagef("cannot resolve target: %v", err)
		}
	}

	if !strings.HasPrefix(resolvedTarget+string(filepath.Separator), resolvedRoot+string(filepath.Separator)) &&
		resolvedTarget != resolvedRoot {
		return errclass.ErrPathEscape.WithMessagef("path escapes root: %s", targetPath)
	}
	return nil
}

// resolveClosestAncestor walks up from p to the closest existing ancestor,
// resolves it, then appends the remaining components.
func resolveClosestAncestor(p string) string {
	dir := filepath.Dir(p)
	base := filepath.Base(p)
	if dir == p {
		return filepath.Clean(p)
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = resolveClosestAncestor(dir)
		} else {
			return filepath.Clean(p)
		}
	}
	return filepath.Join(resolved, base)
}
