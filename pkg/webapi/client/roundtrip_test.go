package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/diwise/dataverse-client/internal/pkg/webapitest"
	"github.com/diwise/dataverse-client/pkg/webapi"
	webapierrors "github.com/diwise/dataverse-client/pkg/webapi/errors"
	"github.com/diwise/dataverse-client/pkg/webapi/guid"
	"github.com/matryer/is"
)

func testSetup(t *testing.T, options ...func(*webapitest.Service)) (*is.I, *webapitest.Service, WebAPIClient) {
	is := is.New(t)

	svc := webapitest.New(options...)
	t.Cleanup(svc.Close)

	return is, svc, NewWebAPIClient(StaticBaseURL(svc.URL()))
}

func TestCreateRetrieveUpdateDelete(t *testing.T) {
	is, svc, c := testSetup(t)
	ctx := context.Background()

	created, err := c.Create(ctx, "accounts", webapi.Entity{"name": "Contoso"}, nil)
	is.NoErr(err)
	is.True(strings.HasPrefix(created.URI(), svc.URL()+"/api/data/v9.2/accounts("))

	err = c.Update(ctx, "accounts", created.ID(), webapi.Entity{"telephone1": "555-0100"}, nil)
	is.NoErr(err)

	err = c.UpdateSingleProperty(ctx, "accounts", created.ID(), "name", "Contoso Ltd", nil)
	is.NoErr(err)

	account, err := c.Retrieve(ctx, "accounts", created.ID(), "", nil)
	is.NoErr(err)
	is.Equal(account["name"], "Contoso Ltd")
	is.Equal(account["telephone1"], "555-0100")
	is.Equal(account["accountid"], strings.ToLower(created.ID().String()))

	updated, err := c.UpdateWithReturnData(ctx, "accounts", created.ID(), webapi.Entity{"revenue": 10.0}, "$select=revenue", nil)
	is.NoErr(err)
	is.Equal(updated["revenue"], 10.0)

	is.NoErr(c.Delete(ctx, "accounts", created.ID(), nil))

	_, err = c.Retrieve(ctx, "accounts", created.ID(), "", nil)
	is.True(errors.Is(err, webapierrors.ErrNotFound))
}

func TestCreateWithReturnData(t *testing.T) {
	is, svc, c := testSetup(t)

	created, err := c.CreateWithReturnData(context.Background(), "contacts", webapi.Entity{"firstname": "Ada"}, "", nil)

	is.NoErr(err)
	is.Equal(created["firstname"], "Ada")
	is.True(created["contactid"] != "")
	is.Equal(svc.Count("contacts"), 1)
}

func TestConcurrentCallsShareOneClient(t *testing.T) {
	is := is.New(t)

	svc := webapitest.New()
	t.Cleanup(svc.Close)

	var resolutions atomic.Int32
	c := NewWebAPIClient(BaseURLResolverFunc(func(context.Context) (string, error) {
		resolutions.Add(1)
		return svc.URL(), nil
	}))

	const callers = 20

	var wg sync.WaitGroup
	errs := make(chan error, callers)

	for i := range callers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			ctx := context.Background()
			name := fmt.Sprintf("account %d", n)

			created, err := c.Create(ctx, "accounts", webapi.Entity{"name": name}, nil)
			if err != nil {
				errs <- err
				return
			}

			account, err := c.Retrieve(ctx, "accounts", created.ID(), "", nil)
			if err != nil {
				errs <- err
				return
			}

			if account["name"] != name {
				errs <- fmt.Errorf("retrieved %v, expected %q", account["name"], name)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		is.NoErr(err)
	}

	is.Equal(svc.Count("accounts"), callers)
	is.Equal(resolutions.Load(), int32(1))
}

func TestQueryAllFollowsNextLink(t *testing.T) {
	options := []func(*webapitest.Service){}
	for i := range 7 {
		options = append(options, webapitest.WithEntity("contacts", guid.New(), webapi.Entity{"fullname": fmt.Sprintf("contact %d", i)}))
	}

	is, svc, c := testSetup(t, options...)

	type contact struct {
		FullName string `json:"fullname"`
	}

	names := []string{}
	count, err := QueryAll(context.Background(), c, "contacts", "$select=fullname", &QueryOptions{MaxPageSize: 3}, func(ct contact) error {
		names = append(names, ct.FullName)
		return nil
	})

	is.NoErr(err)
	is.Equal(count, 7)
	is.Equal(names[0], "contact 0")
	is.Equal(names[6], "contact 6")
	is.Equal(len(svc.Requests()), 3)

	for _, r := range svc.Requests() {
		is.True(strings.HasPrefix(r.Header.Get("Prefer"), "odata.maxpagesize=3"))
	}
}

func TestQueryAllStopsOnCallbackError(t *testing.T) {
	is, _, c := testSetup(t,
		webapitest.WithEntity("contacts", guid.New(), webapi.Entity{}),
		webapitest.WithEntity("contacts", guid.New(), webapi.Entity{}),
	)

	stop := errors.New("stop")

	_, err := QueryAll(context.Background(), c, "contacts", "", nil, func(webapi.Entity) error {
		return stop
	})

	is.True(errors.Is(err, stop))
}

func TestAssociateAndDisassociate(t *testing.T) {
	accountID := guid.New()
	contactID := guid.New()

	is, svc, c := testSetup(t,
		webapitest.WithEntity("accounts", accountID, webapi.Entity{"name": "Contoso"}),
		webapitest.WithEntity("contacts", contactID, webapi.Entity{"fullname": "Ada"}),
	)
	ctx := context.Background()

	err := c.Associate(ctx, "accounts", accountID, "contact_customer_accounts", "contacts", contactID, nil)
	is.NoErr(err)

	refs := svc.References("accounts", accountID, "contact_customer_accounts")
	is.Equal(refs, []string{BuildURL(svc.URL(), DefaultAPIVersion, EntityPath("contacts", contactID))})

	err = c.Disassociate(ctx, "accounts", accountID, "contact_customer_accounts", &contactID, nil)
	is.NoErr(err)
	is.Equal(len(svc.References("accounts", accountID, "contact_customer_accounts")), 0)

	err = c.Disassociate(ctx, "accounts", accountID, "contact_customer_accounts", &contactID, nil)
	is.True(errors.Is(err, webapierrors.ErrNotFound))
}

func TestExecuteFunctionWithAliases(t *testing.T) {
	var received map[string]string

	is, _, c := testSetup(t, webapitest.WithFunction("GetTimeZoneCodeByLocalizedName", func(args map[string]string) (any, error) {
		received = args
		return map[string]any{"TimeZoneCode": 4}, nil
	}))

	result, err := c.ExecuteFunction(context.Background(), "GetTimeZoneCodeByLocalizedName", []FunctionInput{
		AliasedInput("LocalizedStandardName", "'PST'", "p1"),
		AliasedInput("LocaleId", "1033", "p2"),
	}, nil)
	is.NoErr(err)

	is.Equal(received["LocalizedStandardName"], "'PST'")
	is.Equal(received["LocaleId"], "1033")

	tz := struct{ TimeZoneCode int }{}
	is.NoErr(result.Decode(&tz))
	is.Equal(tz.TimeZoneCode, 4)
}

func TestExecuteBoundFunctionAndAction(t *testing.T) {
	accountID := guid.New()

	var target webapi.Entity
	var payload map[string]any

	is, _, c := testSetup(t,
		webapitest.WithEntity("accounts", accountID, webapi.Entity{"name": "Contoso"}),
		webapitest.WithFunction("Microsoft.Dynamics.CRM.CalculateTotalTime", func(map[string]string) (any, error) {
			return map[string]any{"TotalTime": 42}, nil
		}),
		webapitest.WithAction("Microsoft.Dynamics.CRM.AddToQueue", func(e webapi.Entity, p map[string]any) (any, error) {
			target, payload = e, p
			return nil, nil
		}),
	)
	ctx := context.Background()

	fnResult, err := c.ExecuteBoundFunction(ctx, "accounts", accountID, "Microsoft.Dynamics.CRM.CalculateTotalTime", nil, nil)
	is.NoErr(err)
	is.Equal(fnResult.StatusCode, http.StatusOK)

	actionResult, err := c.ExecuteBoundAction(ctx, "accounts", accountID, "Microsoft.Dynamics.CRM.AddToQueue", map[string]any{"Priority": 1}, nil)
	is.NoErr(err)
	is.True(!actionResult.HasPayload())
	is.Equal(target["name"], "Contoso")
	is.Equal(payload["Priority"], 1.0)
}

func TestExecuteActionFailure(t *testing.T) {
	is, _, c := testSetup(t, webapitest.WithAction("Fail", func(webapi.Entity, map[string]any) (any, error) {
		return nil, errors.New("not allowed")
	}))

	_, err := c.ExecuteAction(context.Background(), "Fail", nil, nil)

	is.True(errors.Is(err, webapierrors.ErrBadRequest))
}

func TestBatchCommitsChangeSet(t *testing.T) {
	existing := guid.New()

	is, svc, c := testSetup(t,
		webapitest.WithEntity("accounts", existing, webapi.Entity{"name": "Old"}),
	)

	result, err := c.Batch(context.Background(), "", "",
		[]ChangeSet{
			{Path: "accounts", Entity: webapi.Entity{"name": "New"}},
			{Method: http.MethodPatch, Path: EntityPath("accounts", existing), Entity: webapi.Entity{"name": "Renamed"}},
		},
		[]BatchRead{{Path: "accounts?$select=name"}},
		nil,
	)
	is.NoErr(err)
	is.NoErr(result.Err())

	is.Equal(len(result.ChangeSets), 2)
	created, err := result.ChangeSets[0].CreatedEntity()
	is.NoErr(err)

	_, ok := svc.Entity("accounts", created.ID())
	is.True(ok)

	renamed, _ := svc.Entity("accounts", existing)
	is.Equal(renamed["name"], "Renamed")

	is.Equal(len(result.Reads), 1)
	page, err := webapi.NewRetrieveMultipleResult(result.Reads[0].Body)
	is.NoErr(err)
	is.Equal(len(page.Value), 2)
}

func TestBatchRollsBackFailedChangeSet(t *testing.T) {
	existing := guid.New()

	is, svc, c := testSetup(t,
		webapitest.WithEntity("accounts", existing, webapi.Entity{"name": "Old"}),
	)

	result, err := c.Batch(context.Background(), "B1", "C1",
		[]ChangeSet{
			{Path: "accounts", Entity: webapi.Entity{"name": "New"}},
			{Method: http.MethodDelete, Path: EntityPath("accounts", existing)},
			{Path: "accounts", Entity: webapi.Entity{"invalidattribute": true}},
		},
		[]BatchRead{{Path: "accounts"}},
		nil,
	)
	is.NoErr(err)

	is.True(errors.Is(result.Err(), webapierrors.ErrBadRequest))
	is.Equal(len(result.ChangeSets), 3)
	for _, op := range result.ChangeSets {
		is.True(!op.Succeeded())
	}
	is.True(errors.Is(result.Reads[0].Err, webapierrors.ErrNotExecuted))

	is.Equal(svc.Count("accounts"), 1)
	_, ok := svc.Entity("accounts", existing)
	is.True(ok)
}

func TestBatchWithReadsOnly(t *testing.T) {
	id := guid.New()

	is, _, c := testSetup(t,
		webapitest.WithEntity("accounts", id, webapi.Entity{"name": "Contoso"}),
	)

	result, err := c.Batch(context.Background(), "", "", nil,
		[]BatchRead{{Path: EntityPath("accounts", id)}, {Path: EntityPath("accounts", guid.New())}},
		nil,
	)
	is.NoErr(err)

	account, err := result.Reads[0].Entity()
	is.NoErr(err)
	is.Equal(account["name"], "Contoso")

	is.True(errors.Is(result.Reads[1].Err, webapierrors.ErrNotFound))
}
