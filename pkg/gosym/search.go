package gosym

import (
	"sort"

	"github.com/derekparker/trie"
	"golang.org/x/exp/slices"
)

// FindPC returns the function whose code contains the runtime address pc.
func (t *Table) FindPC(pc uint64) (Entry, bool) {
	if pc > t.MaxPC {
		return Entry{}, false
	}
	// Greatest entry address not above pc.
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Entry > pc })
	if i == 0 {
		return Entry{}, false
	}
	return t.Entries[i-1], true
}

// NameOffset formats pc as a function name and the offset into it. When no
// function contains pc the name is empty and the offset is pc itself, which
// is what the annotation layer prints in that case.
func (t *Table) NameOffset(pc uint64) (string, uint64) {
	e, ok := t.FindPC(pc)
	if !ok {
		return "", pc
	}
	return e.Fn.Name, pc - e.Entry
}

// FindDelta returns the stack delta in effect at the runtime address pc.
func (fn *Func) FindDelta(pc uint64) (int64, bool) {
	sd := fn.StackDeltas
	i := sort.Search(len(sd), func(i int) bool { return sd[i].PC > pc })
	if i == 0 {
		return 0, false
	}
	return sd[i-1].Delta, true
}

// buildNames indexes function names for exact and prefix lookup.
func (t *Table) buildNames() {
	t.names = trie.New()
	for i := range t.Entries {
		t.names.Add(t.Entries[i].Fn.Name, i)
	}
}

// FindName returns the function with the given full name.
func (t *Table) FindName(name string) (Entry, bool) {
	if t.names == nil {
		return Entry{}, false
	}
	node, ok := t.names.Find(name)
	if !ok {
		return Entry{}, false
	}
	return t.Entries[node.Meta().(int)], true
}

// FuncsMatching returns the functions whose name starts with prefix, sorted
// by name.
func (t *Table) FuncsMatching(prefix string) []Entry {
	if t.names == nil || !t.names.HasKeysWithPrefix(prefix) {
		return nil
	}
	keys := t.names.PrefixSearch(prefix)
	slices.Sort(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if node, ok := t.names.Find(k); ok {
			out = append(out, t.Entries[node.Meta().(int)])
		}
	}
	return out
}
