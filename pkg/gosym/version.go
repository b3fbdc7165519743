package gosym

import "fmt"

// Bounds is an inclusive range of Go minor versions, 1.Min through 1.Max,
// that a binary may have been built with.
type Bounds struct {
	Min, Max int
}

// String formats the bounds the way the go tool names releases.
func (b Bounds) String() string {
	if b.Min == b.Max {
		return fmt.Sprintf("go1.%d", b.Min)
	}
	return fmt.Sprintf("go1.%d to go1.%d", b.Min, b.Max)
}

// Contains reports whether release 1.v falls inside the bounds.
func (b Bounds) Contains(v int) bool {
	return b.Min <= v && v <= b.Max
}

// AfterOrEqual reports whether every release in the bounds is at least 1.v.
func (b Bounds) AfterOrEqual(v int) bool {
	return b.Min >= v
}

// narrowBounds tightens a layout era to specific releases by looking for
// architecture independent runtime functions that were added, removed or
// renamed inside the era. The moduledata layout changes more often than the
// table layout, so the extra precision matters there.
func (t *Table) narrowBounds() Bounds {
	names := make(map[string]bool, len(t.Entries))
	for _, e := range t.Entries {
		names[e.Fn.Name] = true
	}

	switch t.Bounds {
	case Bounds{20, 24}:
		// 1.24 dropped runtime.evacuate along with the old map
		// implementation. Building with the old maps enabled is still
		// possible, so there is no else branch.
		if !names["runtime.evacuate"] {
			return Bounds{24, 24}
		}
	case Bounds{18, 19}:
		// 1.19 renamed runtime.findrunnable to runtime.findRunnable.
		if names["runtime.findrunnable"] {
			return Bounds{18, 18}
		} else if names["runtime.findRunnable"] {
			return Bounds{19, 19}
		}
	case Bounds{16, 17}:
		// 1.17 renamed runtime.freespecial to runtime.freeSpecial.
		if names["runtime.freespecial"] {
			return Bounds{16, 16}
		} else if names["runtime.freeSpecial"] {
			return Bounds{17, 17}
		}
	case Bounds{2, 15}:
		if names["runtime.modulesinit"] {
			// 1.8 added runtime.modulesinit, 1.9 replaced
			// runtime.lfstackpush with a method.
			if names["runtime.lfstackpush"] {
				return Bounds{8, 8}
			}
			return Bounds{9, 15}
		}
		// 1.7 added runtime.typelinksinit.
		if names["runtime.typelinksinit"] {
			return Bounds{7, 7}
		}
		return Bounds{2, 6}
	}
	return t.Bounds
}
