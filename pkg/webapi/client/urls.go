package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/diwise/dataverse-client/pkg/webapi/guid"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
)

const DefaultAPIVersion string = "9.2"

// BaseURLResolver supplies the root url of the service, e.g. https://org.crm.dynamics.com
type BaseURLResolver interface {
	BaseURL(ctx context.Context) (string, error)
}

type BaseURLResolverFunc func(ctx context.Context) (string, error)

func (f BaseURLResolverFunc) BaseURL(ctx context.Context) (string, error) {
	return f(ctx)
}

func StaticBaseURL(baseURL string) BaseURLResolver {
	return BaseURLResolverFunc(func(context.Context) (string, error) {
		if baseURL == "" {
			return "", fmt.Errorf("no base url configured")
		}
		return baseURL, nil
	})
}

// EnvironmentBaseURL resolves the base url from the environment variable name,
// using fallback when it is not set.
func EnvironmentBaseURL(name, fallback string) BaseURLResolver {
	return BaseURLResolverFunc(func(ctx context.Context) (string, error) {
		baseURL := env.GetVariableOrDefault(ctx, name, fallback)
		if baseURL == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return baseURL, nil
	})
}

// BuildURL composes <base>/api/data/v<version>/<relativePath>. The relative path
// is used as is.
func BuildURL(base, version, relativePath string) string {
	return fmt.Sprintf("%s/api/data/v%s/%s", strings.TrimSuffix(base, "/"), version, relativePath)
}

// EntityPath returns the path addressing a single record, <set>(<id>).
func EntityPath(entitySet string, id guid.GUID) string {
	return fmt.Sprintf("%s(%s)", entitySet, id.String())
}
