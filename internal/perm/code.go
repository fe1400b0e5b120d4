package perm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Wildcard is the segment that matches every resource or action.
const Wildcard = "*"

var (
	// ErrMalformedCode indicates the string does not match the canonical
	// resource:action grammar.
	ErrMalformedCode = errors.New("perm: malformed permission code")

	// Wildcards are only valid as whole segments: resource:*, *:action, *:*.
	codePattern = regexp.MustCompile(`^([a-z_]+|\*):([a-z_]+|\*)$`)
)

// Code is an immutable resource:action pair. The zero value is invalid;
// construct codes through Parse or MustParse.
type Code struct {
	Resource string
	Action   string
}

// Parse validates raw against the canonical grammar and returns the code.
// Input is lower-cased and trimmed before validation so that "User:View"
// and "user:view" name the same permission.
func Parse(raw string) (Code, error) {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if !codePattern.MatchString(normalized) {
		return Code{}, fmt.Errorf("%w: %q", ErrMalformedCode, raw)
	}
	resource, action, _ := strings.Cut(normalized, ":")
	return Code{Resource: resource, Action: action}, nil
}

// MustParse is Parse that panics on error. Intended for builtin catalogs.
func MustParse(raw string) Code {
	code, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return code
}

// String returns the canonical lower-case "resource:action" form.
func (c Code) String() string {
	return c.Resource + ":" + c.Action
}

// IsWildcard reports whether either segment is the wildcard.
func (c Code) IsWildcard() bool {
	return c.Resource == Wildcard || c.Action == Wildcard
}

// MarshalJSON encodes the code as its canonical string form.
func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes and validates a canonical string form.
func (c *Code) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	code, err := Parse(raw)
	if err != nil {
		return err
	}
	*c = code
	return nil
}

// Superuser is the global wildcard grant covering every code.
var Superuser = Code{Resource: Wildcard, Action: Wildcard}

// covered reports whether code is satisfied by the granted set. The grammar
// is closed, so matching is a fixed four-step lookup rather than a pattern
// matcher: exact, resource:*, *:action, *:*.
func covered(granted map[string]struct{}, code Code) bool {
	if _, ok := granted[code.String()]; ok {
		return true
	}
	if _, ok := granted[code.Resource+":"+Wildcard]; ok {
		return true
	}
	if _, ok := granted[Wildcard+":"+code.Action]; ok {
		return true
	}
	_, ok := granted[Superuser.String()]
	return ok
}
