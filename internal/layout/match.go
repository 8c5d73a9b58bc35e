package layout

import (
	"path"
	"strings"
)

// checkPattern rejects globs that path.Match would refuse at match time.
func checkPattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	_, err := path.Match(pattern, "")
	return err
}

// matchGlob matches ld-style wildcards. Section names contain no path
// separators, so path.Match semantics line up with ld's.
func matchGlob(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[\\") {
		return pattern == name
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// Matches reports whether the input selects frag.
func (in Input) Matches(frag *Fragment) bool {
	if !matchGlob(in.Files, objectBase(frag.Object)) && !matchGlob(in.Files, frag.Object) {
		return false
	}
	for _, pattern := range in.Patterns {
		if matchGlob(pattern, frag.Section) {
			return true
		}
	}
	return false
}

func (d Descriptor) discards(frag *Fragment) bool {
	for _, pattern := range d.Discard {
		if matchGlob(pattern, frag.Section) {
			return true
		}
	}
	return false
}

// objectBase strips directories and any archive member suffix so "lib.a(x.o)"
// matches a Files glob of "x.o".
func objectBase(name string) string {
	if open := strings.LastIndexByte(name, '('); open >= 0 && strings.HasSuffix(name, ")") {
		return name[open+1 : len(name)-1]
	}
	return path.Base(name)
}
