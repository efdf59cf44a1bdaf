package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/diwise/dataverse-client/pkg/webapi"
	"github.com/diwise/dataverse-client/pkg/webapi/client"
	"github.com/diwise/dataverse-client/pkg/webapi/guid"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

var errUsage = errors.New("usage: webapi-cli [flags] <whoami|get|list|create|update|delete|associate|disassociate|function|action> [arguments]")

type command struct {
	args  int
	usage string
	run   func(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, out io.Writer) error
}

var commands = map[string]command{
	"whoami":       {0, "whoami", whoAmI},
	"get":          {2, "get <entity set> <id> [query]", get},
	"list":         {1, "list <entity set> [query]", list},
	"create":       {2, "create <entity set> <json>", create},
	"update":       {3, "update <entity set> <id> <json>", update},
	"delete":       {2, "delete <entity set> <id>", remove},
	"associate":    {5, "associate <entity set> <id> <navigation property> <related set> <related id>", associate},
	"disassociate": {3, "disassociate <entity set> <id> <navigation property> [related id]", disassociate},
	"function":     {1, "function <name> [parameter=value ...]", function},
	"action":       {1, "action <name> [json]", action},
}

func run(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}

	if len(args)-1 < cmd.args {
		return fmt.Errorf("usage: webapi-cli %s", cmd.usage)
	}

	logging.GetFromContext(ctx).Debug("running command", "command", args[0])

	return cmd.run(ctx, c, opts, args[1:], out)
}

func whoAmI(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, _ []string, out io.Writer) error {
	result, err := c.ExecuteFunction(ctx, "WhoAmI", nil, opts)
	if err != nil {
		return err
	}
	return writeRaw(out, result.Body)
}

func get(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, out io.Writer) error {
	id, err := guid.Parse(args[1])
	if err != nil {
		return err
	}

	entity, err := c.Retrieve(ctx, args[0], id, optional(args, 2), opts)
	if err != nil {
		return err
	}

	return writeJSON(out, entity)
}

func list(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, out io.Writer) error {
	entities := []webapi.Entity{}

	_, err := client.QueryAll(ctx, c, args[0], optional(args, 1), opts, func(e webapi.Entity) error {
		entities = append(entities, e)
		return nil
	})
	if err != nil {
		return err
	}

	return writeJSON(out, entities)
}

func create(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, out io.Writer) error {
	entity, err := parseEntity(args[1])
	if err != nil {
		return err
	}

	result, err := c.Create(ctx, args[0], entity, opts)
	if err != nil {
		return err
	}

	return writeJSON(out, map[string]string{"id": result.ID().String(), "uri": result.URI()})
}

func update(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, _ io.Writer) error {
	id, err := guid.Parse(args[1])
	if err != nil {
		return err
	}

	entity, err := parseEntity(args[2])
	if err != nil {
		return err
	}

	return c.Update(ctx, args[0], id, entity, opts)
}

func remove(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, _ io.Writer) error {
	id, err := guid.Parse(args[1])
	if err != nil {
		return err
	}

	return c.Delete(ctx, args[0], id, opts)
}

func associate(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, _ io.Writer) error {
	id, err := guid.Parse(args[1])
	if err != nil {
		return err
	}

	relatedID, err := guid.Parse(args[4])
	if err != nil {
		return err
	}

	return c.Associate(ctx, args[0], id, args[2], args[3], relatedID, opts)
}

func disassociate(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, _ io.Writer) error {
	id, err := guid.Parse(args[1])
	if err != nil {
		return err
	}

	var relatedID *guid.GUID
	if len(args) > 3 {
		related, err := guid.Parse(args[3])
		if err != nil {
			return err
		}
		relatedID = &related
	}

	return c.Disassociate(ctx, args[0], id, args[2], relatedID, opts)
}

// function passes parameters given as name=value inline. A value starting with @
// is sent as a parameter alias instead, e.g. Target=@{"@odata.id":"accounts(1)"}.
func function(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, out io.Writer) error {
	inputs := make([]client.FunctionInput, 0, len(args)-1)

	for idx, arg := range args[1:] {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("malformed parameter %q, expected name=value", arg)
		}

		if aliased, ok := strings.CutPrefix(value, "@"); ok {
			inputs = append(inputs, client.AliasedInput(name, aliased, "p"+strconv.Itoa(idx+1)))
			continue
		}

		inputs = append(inputs, client.Input(name, value))
	}

	result, err := c.ExecuteFunction(ctx, args[0], inputs, opts)
	if err != nil {
		return err
	}

	return writeRaw(out, result.Body)
}

func action(ctx context.Context, c client.WebAPIClient, opts *client.QueryOptions, args []string, out io.Writer) error {
	var payload any

	if len(args) > 1 {
		p, err := parseEntity(args[1])
		if err != nil {
			return err
		}
		payload = p
	}

	result, err := c.ExecuteAction(ctx, args[0], payload, opts)
	if err != nil {
		return err
	}

	return writeRaw(out, result.Body)
}

func optional(args []string, idx int) string {
	if len(args) > idx {
		return args[idx]
	}
	return ""
}

func parsePositive(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func parseEntity(s string) (webapi.Entity, error) {
	e := webapi.Entity{}
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("failed to parse %q as a json object: %w", s, err)
	}
	return e, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRaw(out io.Writer, body []byte) error {
	if body == nil {
		return nil
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, err = fmt.Fprintln(out, string(body))
		return err
	}

	return writeJSON(out, v)
}
