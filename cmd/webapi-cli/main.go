package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/diwise/dataverse-client/pkg/webapi/client"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
)

const (
	appName string = "webapi-cli"
)

func main() {
	appVersion := buildinfo.SourceVersion()

	ctx, log, cleanup := o11y.Init(context.Background(), appName, appVersion, "json")
	defer cleanup()

	flags := parseExternalConfig(FlagMap{})

	err := execute(ctx, flags, flag.Args(), os.Stdout)
	if err != nil {
		log.Error("command failed", "err", err.Error())
		cleanup()
		os.Exit(1)
	}
}

func execute(ctx context.Context, flags FlagMap, args []string, out io.Writer) error {
	cfg, err := loadConfig(ctx, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	opts, err := cfg.queryOptions(flags)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c := client.NewWebAPIClient(
		client.StaticBaseURL(cfg.BaseURL),
		client.APIVersion(cfg.APIVersion),
		client.BearerToken(cfg.Token),
		client.Debug(cfg.debug()),
	)

	return run(ctx, c, opts, args, out)
}

func parseExternalConfig(flags FlagMap) FlagMap {
	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	flag.Func("config", "path to a yaml configuration file", apply(configPath))
	flag.Func("url", "base url of the organization, overrides DATAVERSE_URL", apply(baseURL))
	flag.Func("api-version", "web api version, overrides DATAVERSE_API_VERSION", apply(apiVersion))
	flag.Func("maxpagesize", "maximum number of records per page when listing", apply(maxPageSize))
	flag.BoolFunc("annotations", "include formatted values and lookup annotations", apply(annotations))
	flag.BoolFunc("debug", "dump failed requests and responses", apply(debugMode))

	flag.Parse()

	return flags
}
