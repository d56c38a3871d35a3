package store

import "github.com/roach88/optisync/internal/snapshot"

// versionIndex tracks two sequences per path:
//   - exact: the last write at exactly that path
//   - subtree: the last write at that path or anywhere below it
//
// The version of P is the larger of subtree[P] and exact[A] over every
// proper ancestor A, which covers writes at P, below P and above P.
type versionIndex struct {
	exact   map[string]int64
	subtree map[string]int64
}

func newVersionIndex() *versionIndex {
	return &versionIndex{
		exact:   make(map[string]int64),
		subtree: make(map[string]int64),
	}
}

func (ix *versionIndex) bump(path string, seq int64) {
	ix.exact[path] = seq
	ix.subtree[path] = seq
	for _, anc := range snapshot.Ancestors(path) {
		ix.subtree[anc] = seq
	}
}

func (ix *versionIndex) versionOf(path string) Version {
	v := ix.subtree[path]
	for _, anc := range snapshot.Ancestors(path) {
		v = max(v, ix.exact[anc])
	}
	return Version(v)
}

// applyWrite replaces the subtree at path in leaves with value.
// Writing a non-nil value under an ancestor that is itself a leaf turns
// the ancestor into an object, so ancestor leaves are dropped too.
func applyWrite(leaves map[string]snapshot.Value, path string, value snapshot.Value) {
	for p := range leaves {
		if p == path || snapshot.IsAncestor(path, p) {
			delete(leaves, p)
		}
	}
	if value == nil {
		return
	}
	for _, anc := range snapshot.Ancestors(path) {
		delete(leaves, anc)
	}
	for p, leaf := range snapshot.Flatten(path, value) {
		leaves[p] = leaf
	}
}
