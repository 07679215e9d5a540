package nostr

// Filter is a relay query pattern. Every present condition must hold for an
// event to match; within a condition the listed values are alternatives.
// Empty slices are omitted from the wire form.
type Filter struct {
	Kinds       []int    `json:"kinds,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	Identifiers []string `json:"#d,omitempty"`
}

// Matches reports whether the event satisfies the filter.
func (f Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Identifiers) > 0 {
		d, _ := e.Tags.Value("d")
		if !containsString(f.Identifiers, d) {
			return false
		}
	}
	return true
}

func containsInt(values []int, v int) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
