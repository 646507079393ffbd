// Package remotepath manipulates POSIX paths on the remote host.
//
// Remote paths are always slash separated regardless of the local OS, so
// this package uses path rather than path/filepath.
package remotepath

import (
	"path"
	"strings"
)

// Join concatenates base with parts using a single separator between each
// element. Trailing slashes of base and leading slashes of every part are
// dropped before joining, and runs of slashes collapse to one. Unlike
// path.Join it does not resolve "." or ".." elements. An empty result is "/".
func Join(base string, parts ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))

	for _, p := range parts {
		p = strings.TrimLeft(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}

	joined := collapseSlashes(b.String())
	if joined == "" {
		return "/"
	}
	return joined
}

// Resolve returns the cleaned location of target as seen from dir. Absolute
// targets are cleaned as-is; relative ones are joined to dir first.
func Resolve(dir, target string) string {
	if strings.HasPrefix(target, "/") {
		return path.Clean(target)
	}
	return path.Clean(Join(dir, target))
}

// Quote wraps s in single quotes for a POSIX shell, writing each embedded
// quote as '\''.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// AsDir returns p with exactly one trailing slash. An empty path is "./".
func AsDir(p string) string {
	if p == "" {
		return "./"
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed + "/"
}

// Base returns the last element of p, ignoring trailing slashes.
func Base(p string) string {
	return path.Base(p)
}

// Dir returns all but the last element of p.
func Dir(p string) string {
	return path.Dir(p)
}

func collapseSlashes(s string) string {
	if !strings.Contains(s, "//") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prevSlash := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}
