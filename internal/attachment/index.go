// Package attachment maps free-text references from spreadsheet cells to
// uploaded files.
package attachment

// Index is an insertion-ordered map from normalized file key to value.
// Resolution walks candidates in insertion order, which makes fan-out results
// reproducible.
type Index[T any] struct {
	keys []string
	vals map[string]T
}

func NewIndex[T any]() *Index[T] {
	return &Index[T]{vals: map[string]T{}}
}

// Add stores v under KeyFor(filename). Names that normalize to an empty key
// are ignored (false). A repeated key replaces the value but keeps its
// original position.
func (ix *Index[T]) Add(filename string, v T) bool {
	key := KeyFor(filename)
	if key == "" {
		return false
	}
	if _, ok := ix.vals[key]; !ok {
		ix.keys = append(ix.keys, key)
	}
	ix.vals[key] = v
	return true
}

func (ix *Index[T]) Len() int { return len(ix.keys) }

// Keys returns the normalized keys in insertion order.
func (ix *Index[T]) Keys() []string {
	return append([]string(nil), ix.keys...)
}

// Lookup resolves one raw reference. Contains collects every match, other
// modes stop at the first.
func (ix *Index[T]) Lookup(ref string, mode MatchMode) []T {
	norm := Normalize(ref)
	if norm == "" {
		return nil
	}
	var out []T
	for _, k := range ix.keys {
		if !mode.Match(norm, k) {
			continue
		}
		out = append(out, ix.vals[k])
		if !mode.FanOut() {
			break
		}
	}
	return out
}

// Resolve looks up each reference independently and concatenates the results
// in reference order. A reference with no index match is passed to fallback
// when one is given; references still unmatched are returned in misses.
func (ix *Index[T]) Resolve(refs []string, mode MatchMode, fallback func(ref string) (T, bool)) (found []T, misses []string) {
	for _, ref := range refs {
		if got := ix.Lookup(ref, mode); len(got) > 0 {
			found = append(found, got...)
			continue
		}
		if fallback != nil {
			if v, ok := fallback(ref); ok {
				found = append(found, v)
				continue
			}
		}
		misses = append(misses, ref)
	}
	return found, misses
}
