package main

import (
	"context"
	"io"
	"os"

	"github.com/diwise/dataverse-client/pkg/webapi/client"
	"github.com/diwise/dataverse-client/pkg/webapi/guid"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	yaml "gopkg.in/yaml.v2"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	configPath FlagType = iota
	baseURL
	apiVersion
	debugMode

	maxPageSize
	annotations
)

type Config struct {
	BaseURL     string `yaml:"baseURL"`
	APIVersion  string `yaml:"apiVersion"`
	Token       string `yaml:"token"`
	Impersonate string `yaml:"impersonate"`
	Debug       bool   `yaml:"debug"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, cfg)

	return cfg, err
}

// loadConfig reads the optional configuration file and lets the environment and
// command line flags override what it contains, in that order.
func loadConfig(ctx context.Context, flags FlagMap) (*Config, error) {
	cfg := &Config{}

	if path := flags[configPath]; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		cfg, err = LoadConfiguration(f)
		if err != nil {
			return nil, err
		}
	}

	cfg.BaseURL = env.GetVariableOrDefault(ctx, "DATAVERSE_URL", cfg.BaseURL)
	cfg.Token = env.GetVariableOrDefault(ctx, "DATAVERSE_TOKEN", cfg.Token)
	cfg.APIVersion = env.GetVariableOrDefault(ctx, "DATAVERSE_API_VERSION", cfg.APIVersion)

	if flags[baseURL] != "" {
		cfg.BaseURL = flags[baseURL]
	}
	if flags[apiVersion] != "" {
		cfg.APIVersion = flags[apiVersion]
	}
	if flags[debugMode] == "true" {
		cfg.Debug = true
	}

	return cfg, nil
}

func (cfg *Config) debug() string {
	if cfg.Debug {
		return "true"
	}
	return "false"
}

func (cfg *Config) queryOptions(flags FlagMap) (*client.QueryOptions, error) {
	opts := &client.QueryOptions{}

	if cfg.Impersonate != "" {
		callerID, err := guid.Parse(cfg.Impersonate)
		if err != nil {
			return nil, err
		}
		opts.Impersonate = &callerID
	}

	if flags[annotations] == "true" {
		opts.IncludeFormattedValues = true
		opts.IncludeLookupLogicalNames = true
		opts.IncludeAssociatedNavigationProperties = true
	}

	if size, ok := parsePositive(flags[maxPageSize]); ok {
		opts.MaxPageSize = size
	}

	return opts, nil
}
