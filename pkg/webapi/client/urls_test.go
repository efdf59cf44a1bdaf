package client

import (
	"context"
	"testing"

	"github.com/diwise/dataverse-client/pkg/webapi/guid"
	"github.com/matryer/is"
)

func TestBuildURL(t *testing.T) {
	is := is.New(t)

	is.Equal(BuildURL("https://org.crm.dynamics.com", "9.2", "accounts"), "https://org.crm.dynamics.com/api/data/v9.2/accounts")
	is.Equal(BuildURL("https://org.crm.dynamics.com/", "9.1", "$batch"), "https://org.crm.dynamics.com/api/data/v9.1/$batch")
}

func TestEntityPath(t *testing.T) {
	is := is.New(t)

	id := guid.MustParse("00000000-0000-0000-0000-00000000000a")
	is.Equal(EntityPath("contacts", id), "contacts(00000000-0000-0000-0000-00000000000A)")
}

func TestStaticBaseURL(t *testing.T) {
	is := is.New(t)

	base, err := StaticBaseURL("https://org.crm.dynamics.com").BaseURL(context.Background())
	is.NoErr(err)
	is.Equal(base, "https://org.crm.dynamics.com")

	_, err = StaticBaseURL("").BaseURL(context.Background())
	is.True(err != nil)
}

func TestEnvironmentBaseURL(t *testing.T) {
	is := is.New(t)

	t.Setenv("DATAVERSE_TEST_URL", "https://env.crm.dynamics.com")

	base, err := EnvironmentBaseURL("DATAVERSE_TEST_URL", "").BaseURL(context.Background())
	is.NoErr(err)
	is.Equal(base, "https://env.crm.dynamics.com")

	base, err = EnvironmentBaseURL("DATAVERSE_TEST_URL_UNSET", "https://fallback").BaseURL(context.Background())
	is.NoErr(err)
	is.Equal(base, "https://fallback")

	_, err = EnvironmentBaseURL("DATAVERSE_TEST_URL_UNSET", "").BaseURL(context.Background())
	is.True(err != nil)
}
