package guid

import (
	"encoding/json"
	"errors"
	"testing"

	webapierrors "github.com/diwise/dataverse-client/pkg/webapi/errors"
	"github.com/matryer/is"
)

func TestParseCanonicalizes(t *testing.T) {
	is := is.New(t)

	for _, input := range []string{
		"11112222-3333-4444-5555-666677778888",
		"{11112222-3333-4444-5555-666677778888}",
		"aaaabbbb-cccc-dddd-eeee-ffff00001111",
		"{AaAaBbBb-cccc-DDDD-eeee-FFFF00001111}",
	} {
		g, err := Parse(input)
		is.NoErr(err)

		is.Equal(len(g.String()), 36)
		is.True(g.String() == "11112222-3333-4444-5555-666677778888" || g.String() == "AAAABBBB-CCCC-DDDD-EEEE-FFFF00001111")
	}
}

func TestParseRejectsNonCanonicalInput(t *testing.T) {
	is := is.New(t)

	for _, input := range []string{
		"",
		"{}",
		"not-a-guid",
		"111122223333444455556666777788889",
		"11112222333344445555666677778888",
		"urn:uuid:11112222-3333-4444-5555-666677778888",
		"11112222-3333-4444-5555-66667777888",
		"11112222-3333-4444-5555-6666777788889",
		"1111222g-3333-4444-5555-666677778888",
		" 11112222-3333-4444-5555-666677778888",
	} {
		_, err := Parse(input)
		is.True(err != nil) // input should be rejected

		fe := &webapierrors.FormatError{}
		is.True(errors.As(err, &fe))
		is.True(errors.Is(err, webapierrors.ErrInvalidFormat))
	}
}

func TestEqualsIgnoresCase(t *testing.T) {
	is := is.New(t)

	a := MustParse("aaaabbbb-cccc-dddd-eeee-ffff00001111")
	b := MustParse("{AAAABBBB-CCCC-DDDD-EEEE-FFFF00001111}")
	c := MustParse("11112222-3333-4444-5555-666677778888")

	is.True(Equals(&a, &a))
	is.True(Equals(&a, &b))
	is.True(Equals(&b, &a))
	is.True(!Equals(&a, &c))
}

func TestEqualsWithMissingOperandIsFalse(t *testing.T) {
	is := is.New(t)

	a := MustParse("aaaabbbb-cccc-dddd-eeee-ffff00001111")

	is.True(!Equals(&a, nil))
	is.True(!Equals(nil, &a))
	is.True(!Equals(nil, nil))
}

func TestNewIsUppercase(t *testing.T) {
	is := is.New(t)

	g := New()
	reparsed, err := Parse(g.String())
	is.NoErr(err)
	is.True(Equals(&g, &reparsed))
	is.True(!g.IsZero())
}

func TestJSONRoundtrip(t *testing.T) {
	is := is.New(t)

	record := struct {
		ID GUID `json:"id"`
	}{}

	is.NoErr(json.Unmarshal([]byte(`{"id":"{aaaabbbb-cccc-dddd-eeee-ffff00001111}"}`), &record))
	is.Equal(record.ID.String(), "AAAABBBB-CCCC-DDDD-EEEE-FFFF00001111")

	b, err := json.Marshal(record)
	is.NoErr(err)
	is.Equal(string(b), `{"id":"AAAABBBB-CCCC-DDDD-EEEE-FFFF00001111"}`)

	err = json.Unmarshal([]byte(`{"id":"nope"}`), &record)
	is.True(errors.Is(err, webapierrors.ErrInvalidFormat))
}
