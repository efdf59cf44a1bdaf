package client

import (
	"fmt"
	"strings"
)

// FunctionInput is a named argument to a function. If Alias is set the value is
// passed as a parameter alias instead of inline, which is required for literals
// that may not appear within the parameter list (entity references, collections).
type FunctionInput struct {
	Name  string
	Value string
	Alias string
}

func Input(name, value string) FunctionInput {
	return FunctionInput{Name: name, Value: value}
}

func AliasedInput(name, value, alias string) FunctionInput {
	return FunctionInput{Name: name, Value: value, Alias: alias}
}

// EncodeFunctionCall returns the function call fragment name(a=1,b=@p1)?@p1=v.
// Successive alias assignments are concatenated without a separator.
func EncodeFunctionCall(name string, inputs []FunctionInput) string {
	if len(inputs) == 0 {
		return name + "()"
	}

	args := make([]string, 0, len(inputs))
	aliases := strings.Builder{}

	for _, in := range inputs {
		if in.Alias == "" {
			args = append(args, fmt.Sprintf("%s=%s", in.Name, in.Value))
			continue
		}

		args = append(args, fmt.Sprintf("%s=@%s", in.Name, in.Alias))
		fmt.Fprintf(&aliases, "@%s=%s", in.Alias, in.Value)
	}

	call := fmt.Sprintf("%s(%s)", name, strings.Join(args, ","))

	if aliases.Len() > 0 {
		call += "?" + aliases.String()
	}

	return call
}
