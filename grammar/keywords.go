package grammar

import "strings"

// EHLOKeyword is one extension line a server advertises in its EHLO
// reply. Value may hold either a single string or a list of strings;
// KeywordRenderer decides how to join them.
type EHLOKeyword struct {
	Name  string
	Value interface{} // string or []string
}

// KeywordRenderer turns an EHLOKeyword into the text of its response
// line (without the code or continuation marker). spec.md §9's first
// Open Question flags that a single space-joined format, as the source
// used, isn't right for every keyword (RFC 5321 leaves keyword/parameter
// syntax keyword-specific); making this pluggable per keyword resolves
// it without guessing at a universal format.
type KeywordRenderer func(k EHLOKeyword) string

// SpaceJoinRenderer is the default KeywordRenderer: "NAME" if Value is
// empty/absent, otherwise "NAME value1 value2 ...", matching the
// teacher's own EHLO line construction.
func SpaceJoinRenderer(k EHLOKeyword) string {
	switch v := k.Value.(type) {
	case nil:
		return k.Name
	case string:
		if v == "" {
			return k.Name
		}
		return k.Name + " " + v
	case []string:
		if len(v) == 0 {
			return k.Name
		}
		return k.Name + " " + strings.Join(v, " ")
	default:
		return k.Name
	}
}
