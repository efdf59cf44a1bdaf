// Package guid contains the validated identifier used to address records in the web api.
package guid

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/diwise/dataverse-client/pkg/webapi/errors"
	"github.com/google/uuid"
)

var canonical = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// GUID is an immutable, canonical (uppercase 8-4-4-4-12) record identifier.
type GUID struct {
	value uuid.UUID
}

// Parse strips surrounding braces from text and returns the identifier it holds.
// Anything but the hyphenated 8-4-4-4-12 hex form is rejected with a *errors.FormatError.
func Parse(text string) (GUID, error) {
	trimmed := strings.NewReplacer("{", "", "}", "").Replace(text)

	if !canonical.MatchString(trimmed) {
		return GUID{}, errors.NewFormatError(text, "not a hyphenated 8-4-4-4-12 hexadecimal identifier")
	}

	u, err := uuid.Parse(trimmed)
	if err != nil {
		return GUID{}, errors.NewFormatError(text, err.Error())
	}

	return GUID{value: u}, nil
}

func MustParse(text string) GUID {
	g, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return g
}

// New returns a random identifier.
func New() GUID {
	return GUID{value: uuid.New()}
}

func (g GUID) String() string {
	return strings.ToUpper(g.value.String())
}

func (g GUID) IsZero() bool {
	return g.value == uuid.Nil
}

// Equals reports whether a and b hold the same identifier. A nil operand is never equal.
func Equals(a, b *GUID) bool {
	if a == nil || b == nil {
		return false
	}

	return a.value == b.value
}

func (g GUID) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

func (g *GUID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := Parse(s)
	if err != nil {
		return err
	}

	*g = parsed
	return nil
}
