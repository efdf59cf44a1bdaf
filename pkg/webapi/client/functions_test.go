package client

import (
	"testing"

	"github.com/matryer/is"
)

func TestEncodeFunctionCallWithoutInputs(t *testing.T) {
	is := is.New(t)
	is.Equal(EncodeFunctionCall("WhoAmI", nil), "WhoAmI()")
}

func TestEncodeFunctionCallWithInlineInputs(t *testing.T) {
	is := is.New(t)

	call := EncodeFunctionCall("CalculateRollupField", []FunctionInput{
		Input("FieldName", "'openrevenue'"),
		Input("Count", "3"),
	})

	is.Equal(call, "CalculateRollupField(FieldName='openrevenue',Count=3)")
}

func TestEncodeFunctionCallWithAliases(t *testing.T) {
	is := is.New(t)

	call := EncodeFunctionCall("GetTimeZoneCodeByLocalizedName", []FunctionInput{
		AliasedInput("LocalizedStandardName", "'Pacific Standard Time'", "p1"),
		Input("LocaleId", "1033"),
		AliasedInput("Target", `{"@odata.id":"accounts(1)"}`, "p2"),
	})

	is.Equal(call, `GetTimeZoneCodeByLocalizedName(LocalizedStandardName=@p1,LocaleId=1033,Target=@p2)?@p1='Pacific Standard Time'@p2={"@odata.id":"accounts(1)"}`)
}
