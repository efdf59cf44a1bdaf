package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matryer/is"
)

const configYaml string = `
baseURL: https://org.crm.dynamics.com
apiVersion: "9.1"
token: secret
impersonate: "{5c3a1bbb-0d0a-4ab5-b6c6-2a1a6a1b8f3e}"
debug: true
`

func TestLoadConfiguration(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadConfiguration(strings.NewReader(configYaml))
	is.NoErr(err)

	is.Equal(cfg.BaseURL, "https://org.crm.dynamics.com")
	is.Equal(cfg.APIVersion, "9.1")
	is.Equal(cfg.Token, "secret")
	is.True(cfg.Debug)
	is.Equal(cfg.debug(), "true")
}

func TestLoadConfigAppliesOverrides(t *testing.T) {
	is := is.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	is.NoErr(os.WriteFile(path, []byte(configYaml), 0o600))

	t.Setenv("DATAVERSE_URL", "https://env.crm.dynamics.com")
	t.Setenv("DATAVERSE_TOKEN", "from-env")

	cfg, err := loadConfig(context.Background(), FlagMap{
		configPath: path,
		apiVersion: "9.2",
	})
	is.NoErr(err)

	is.Equal(cfg.BaseURL, "https://env.crm.dynamics.com")
	is.Equal(cfg.Token, "from-env")
	is.Equal(cfg.APIVersion, "9.2")
}

func TestLoadConfigWithMissingFileFails(t *testing.T) {
	is := is.New(t)

	_, err := loadConfig(context.Background(), FlagMap{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	is.True(err != nil)
}

func TestQueryOptions(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadConfiguration(strings.NewReader(configYaml))
	is.NoErr(err)

	opts, err := cfg.queryOptions(FlagMap{maxPageSize: "25", annotations: "true"})
	is.NoErr(err)

	is.Equal(opts.Impersonate.String(), "5C3A1BBB-0D0A-4AB5-B6C6-2A1A6A1B8F3E")
	is.Equal(opts.MaxPageSize, 25)
	is.True(opts.IncludeFormattedValues)
	is.True(opts.IncludeLookupLogicalNames)
	is.True(opts.IncludeAssociatedNavigationProperties)
}

func TestQueryOptionsWithInvalidImpersonation(t *testing.T) {
	is := is.New(t)

	cfg := &Config{Impersonate: "not-a-guid"}

	_, err := cfg.queryOptions(FlagMap{})
	is.True(err != nil)
}
