package grammar

import "strings"

// Param is one name[=value] parameter trailing a MAIL FROM or RCPT TO
// command. HasValue distinguishes a bare name ("BODY") from an empty
// value ("BODY="), matching spec.md §4.2's "value is everything up to
// next space" (which may be the empty string).
type Param struct {
	Name     string
	Value    string
	HasValue bool
}

// Params is an ordered name -> value mapping that overwrites on duplicate
// names while keeping the position of the first occurrence, matching
// spec.md §3's "Duplicate names overwrite" without losing the rendering
// order a plain map would.
type Params []Param

// Set adds or overwrites a parameter.
func (p *Params) Set(name, value string, hasValue bool) {
	upper := strings.ToUpper(name)
	for i := range *p {
		if strings.ToUpper((*p)[i].Name) == upper {
			(*p)[i].Value = value
			(*p)[i].HasValue = hasValue
			return
		}
	}
	*p = append(*p, Param{Name: name, Value: value, HasValue: hasValue})
}

// Get looks up a parameter by case-insensitive name.
func (p Params) Get(name string) (value string, hasValue, found bool) {
	upper := strings.ToUpper(name)
	for _, param := range p {
		if strings.ToUpper(param.Name) == upper {
			return param.Value, param.HasValue, true
		}
	}
	return "", false, false
}

// EnvelopeRoute is the <...> argument of MAIL FROM or RCPT TO: an
// optional mailbox (empty means the null reverse path, "<>"), an
// optional obsolete source route, and trailing ESMTP parameters.
type EnvelopeRoute struct {
	Mailbox     string
	SourceRoute []string
	Parameters  Params
}

// IsPostmaster reports whether the mailbox is the case-insensitive
// special recipient "postmaster" with no domain part.
func (r EnvelopeRoute) IsPostmaster() bool {
	return strings.EqualFold(r.Mailbox, "postmaster")
}

// IsNullPath reports whether this is the MAIL FROM null reverse path.
func (r EnvelopeRoute) IsNullPath() bool {
	return r.Mailbox == "" && len(r.SourceRoute) == 0
}
