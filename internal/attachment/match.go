package attachment

import (
	"fmt"
	"strings"
)

// MatchMode selects how a normalized reference is compared with a normalized
// candidate file name.
type MatchMode string

const (
	Contains   MatchMode = "contains"
	Equals     MatchMode = "equals"
	StartsWith MatchMode = "starts_with"
	EndsWith   MatchMode = "ends_with"
)

// ParseMatchMode accepts the canonical names and the legacy payload names
// (contem, igual, comeca_com, termina_com). Anything else falls back to Contains.
func ParseMatchMode(s string) MatchMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equals", "equal", "igual":
		return Equals
	case "starts_with", "startswith", "comeca_com":
		return StartsWith
	case "ends_with", "endswith", "termina_com":
		return EndsWith
	default:
		return Contains
	}
}

// Match reports whether candidate satisfies ref under m.
// Both arguments are expected to be normalized already.
func (m MatchMode) Match(ref, candidate string) bool {
	switch m {
	case Equals:
		return ref == candidate
	case StartsWith:
		return strings.HasPrefix(candidate, ref)
	case EndsWith:
		return strings.HasSuffix(candidate, ref)
	default:
		return strings.Contains(candidate, ref)
	}
}

// FanOut reports whether the mode collects every matching candidate
// instead of stopping at the first one.
func (m MatchMode) FanOut() bool {
	return m != Equals && m != StartsWith && m != EndsWith
}

// SplitRefs turns a row cell into individual references. Lists are taken
// element-wise; strings are split on ';' then ','; anything else becomes a
// single reference.
func SplitRefs(v any) []string {
	var out []string
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, e := range x {
			if e == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(e)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(x, ";") {
			for _, p := range strings.Split(part, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
		}
	default:
		if s := strings.TrimSpace(fmt.Sprint(x)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
