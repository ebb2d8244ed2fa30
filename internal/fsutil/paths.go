package fsutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ContainedIn reports an error when path does not resolve to a location
// inside dir. Existing symlinks on either side are resolved first, so a
// link pointing out of dir is rejected; paths that do not exist yet are
// compared lexically.
func ContainedIn(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	absPath = resolveExistingPrefix(absPath)
	absDir = resolveExistingPrefix(absDir)

	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return fmt.Errorf("path %s is outside %s: %w", path, dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path %s escapes %s", path, dir)
	}
	return nil
}

// resolveExistingPrefix evaluates symlinks on the longest existing
// ancestor of p and re-attaches the remaining components.
func resolveExistingPrefix(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	for check := p; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return p
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, p)
			return filepath.Join(resolved, rest)
		}
		check = parent
	}
}

// SanitizeName makes a safe file name component from an arbitrary tile
// stem: anything other than ASCII letters, digits, dot, underscore or dash
// collapses into a single underscore, and the result is capped at 96 bytes.
func SanitizeName(s string) string {
	const maxLen = 96
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "tile"
	}
	return out
}
