// Package vpath implements slash-separated path manipulation for the virtual
// filesystem. Unlike path.Clean it preserves a trailing slash and keeps leading
// ".." segments of relative paths, which the resolver relies on.
package vpath

import "strings"

// IsAbs reports whether p starts at the root.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// NormalizeSegments collapses "." and ".." in parts. Leading ".." segments that
// would climb above the start are kept only when allowAboveRoot is set.
func NormalizeSegments(parts []string, allowAboveRoot bool) []string {
	out := make([]string, 0, len(parts))
	up := 0
	for i := len(parts) - 1; i >= 0; i-- {
		switch p := parts[i]; {
		case p == ".":
		case p == "..":
			up++
		case up > 0:
			up--
		default:
			out = append(out, p)
		}
	}
	if allowAboveRoot {
		for ; up > 0; up-- {
			out = append(out, "..")
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Split returns the non-empty segments of p.
func Split(p string) []string {
	fields := strings.Split(p, "/")
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Normalize collapses redundant separators and dot segments.
// An empty relative result becomes ".", and a trailing slash survives.
func Normalize(p string) string {
	abs := IsAbs(p)
	trailing := strings.HasSuffix(p, "/")
	out := strings.Join(NormalizeSegments(Split(p), !abs), "/")
	if out == "" && !abs {
		out = "."
	}
	if out != "" && trailing {
		out += "/"
	}
	if abs {
		return "/" + out
	}
	return out
}

// Join concatenates parts with "/" and normalizes the result.
func Join(parts ...string) string {
	return Normalize(strings.Join(parts, "/"))
}

// Dir returns all but the last element of p.
func Dir(p string) string {
	root := ""
	if IsAbs(p) {
		root = "/"
	}
	rest := strings.TrimRight(p[len(root):], "/")
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		if root != "" {
			return root
		}
		return "."
	}
	dir := strings.TrimRight(rest[:idx], "/")
	if dir == "" {
		if root != "" {
			return root
		}
		return "."
	}
	return root + dir
}

// Base returns the last element of p. Dot segments are returned as is.
func Base(p string) string {
	if p == "" {
		return "."
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// Resolve converts paths to one absolute path, processing right to left until
// an absolute element is found and falling back to cwd. An empty element
// invalidates the whole result.
func Resolve(cwd string, paths ...string) string {
	resolved := ""
	absolute := false
	for i := len(paths) - 1; i >= -1 && !absolute; i-- {
		p := cwd
		if i >= 0 {
			p = paths[i]
		}
		if p == "" {
			return ""
		}
		resolved = p + "/" + resolved
		absolute = IsAbs(p)
	}
	out := strings.Join(NormalizeSegments(Split(resolved), !absolute), "/")
	if absolute {
		return "/" + out
	}
	if out == "" {
		return "."
	}
	return out
}

// Relative returns the path from "from" to "to", both resolved against cwd.
func Relative(cwd, from, to string) string {
	fromParts := Split(Resolve(cwd, from))
	toParts := Split(Resolve(cwd, to))

	n := min(len(fromParts), len(toParts))
	same := n
	for i := 0; i < n; i++ {
		if fromParts[i] != toParts[i] {
			same = i
			break
		}
	}

	out := make([]string, 0, len(fromParts)-same+len(toParts)-same)
	for i := same; i < len(fromParts); i++ {
		out = append(out, "..")
	}
	out = append(out, toParts[same:]...)
	return strings.Join(out, "/")
}
