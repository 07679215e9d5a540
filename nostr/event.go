package nostr

// Event is a protocol object as delivered by relays. The id and signature are
// carried verbatim and never validated here.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Tags holds the event tag list. Each tag is a list of strings whose first
// element names the tag.
type Tags [][]string

// Value returns the value of the first tag with the given name.
func (t Tags) Value(name string) (string, bool) {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// IsReplaceableKind reports whether only the newest event per coordinate
// matters for the kind.
func IsReplaceableKind(kind int) bool {
	if kind == 0 || kind == 3 {
		return true
	}
	if kind >= 10000 && kind < 20000 {
		return true
	}
	return IsAddressableKind(kind)
}

// IsAddressableKind reports whether the kind carries a "d" tag discriminator
// in its coordinate.
func IsAddressableKind(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// Coordinate derives the coordinate superseded by newer versions of this
// event. It reports false for kinds that are not replaceable; a missing "d"
// tag on an addressable kind reads as the empty identifier.
func (e *Event) Coordinate() (Coordinate, bool) {
	if e == nil || !IsReplaceableKind(e.Kind) {
		return Coordinate{}, false
	}
	c := Coordinate{Kind: e.Kind, PubKey: e.PubKey}
	if IsAddressableKind(e.Kind) {
		if d, ok := e.Tags.Value("d"); ok {
			c.Identifier = d
		}
	}
	return c, true
}
