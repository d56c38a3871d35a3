package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for key paths that are empty, contain empty
// segments or contain a forbidden character.
var ErrInvalidPath = errors.New("invalid key path")

// forbiddenPathChars cannot appear in any path segment.
const forbiddenPathChars = ".#$[]*?"

// ValidatePath checks that path is a non-empty slash-separated list of
// non-empty segments free of forbidden characters.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for i, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment at %d", ErrInvalidPath, path, i)
		}
		if strings.ContainsAny(seg, forbiddenPathChars) {
			return fmt.Errorf("%w: segment %q contains one of %q", ErrInvalidPath, seg, forbiddenPathChars)
		}
	}
	return nil
}

// SplitPath returns the segments of path.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// JoinPath joins segments with "/".
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// Ancestors returns the proper ancestors of path, shortest first.
// Ancestors("a/b/c") is ["a", "a/b"].
func Ancestors(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

// IsAncestor reports whether anc is a proper ancestor of path.
func IsAncestor(anc, path string) bool {
	return len(path) > len(anc) && strings.HasPrefix(path, anc) && path[len(anc)] == '/'
}

// Related reports whether a write at one path can change the value at the
// other: the paths are equal or one contains the other.
func Related(a, b string) bool {
	return a == b || IsAncestor(a, b) || IsAncestor(b, a)
}

// Flatten maps every leaf under v to its absolute key path. Objects are
// interior nodes; strings, ints, bools and arrays are leaves. A nil value
// or an empty object yields no leaves.
func Flatten(path string, v Value) map[string]Value {
	leaves := make(map[string]Value)
	flattenInto(leaves, path, v)
	return leaves
}

func flattenInto(leaves map[string]Value, path string, v Value) {
	switch val := v.(type) {
	case nil:
		return
	case Object:
		for k, child := range val {
			flattenInto(leaves, path+"/"+k, child)
		}
	default:
		leaves[path] = v
	}
}

// Build reassembles the value rooted at path from a set of absolute leaves.
// Leaves outside path are ignored. The result is nil when no leaf lies at
// or under path.
func Build(path string, leaves map[string]Value) Value {
	if leaf, ok := leaves[path]; ok {
		return leaf
	}
	prefix := path + "/"
	var root Object
	for p, leaf := range leaves {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if root == nil {
			root = make(Object)
		}
		segs := strings.Split(p[len(prefix):], "/")
		node := root
		for _, seg := range segs[:len(segs)-1] {
			child, ok := node[seg].(Object)
			if !ok {
				child = make(Object)
				node[seg] = child
			}
			node = child
		}
		node[segs[len(segs)-1]] = leaf
	}
	if root == nil {
		return nil
	}
	return root
}

// At returns the value found by descending rel (a relative path) from v,
// or nil if any step is missing.
func At(v Value, rel string) Value {
	for _, seg := range SplitPath(rel) {
		obj, ok := v.(Object)
		if !ok {
			return nil
		}
		v = obj[seg]
	}
	return v
}
