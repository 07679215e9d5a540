package nostr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Coordinate identifies a replaceable event: the newest event with this kind,
// author and optional identifier supersedes all older ones.
//
// Coordinates are comparable and used directly as map keys; the string form
// exists for storage keys and caller-facing input.
type Coordinate struct {
	Kind       int
	PubKey     string
	Identifier string
}

// String renders the coordinate as "kind:pubkey", or
// "kind:pubkey:identifier" when an identifier is present.
func (c Coordinate) String() string {
	if c.Identifier == "" {
		return strconv.Itoa(c.Kind) + ":" + c.PubKey
	}
	return strconv.Itoa(c.Kind) + ":" + c.PubKey + ":" + c.Identifier
}

// ParseCoordinate decodes the form produced by String. Only the first two
// separators split the input, so identifiers may contain ':'; pubkeys must
// not (they are hex in practice).
func ParseCoordinate(s string) (Coordinate, error) {
	if s == "" {
		return Coordinate{}, errors.New("coordinate must not be empty")
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return Coordinate{}, fmt.Errorf("coordinate %q missing pubkey", s)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return Coordinate{}, fmt.Errorf("coordinate %q: parse kind: %w", s, err)
	}
	if kind < 0 {
		return Coordinate{}, fmt.Errorf("coordinate %q: kind must not be negative", s)
	}
	c := Coordinate{Kind: kind, PubKey: parts[1]}
	if len(parts) == 3 {
		c.Identifier = parts[2]
	}
	return c, nil
}
