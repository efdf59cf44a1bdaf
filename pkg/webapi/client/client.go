package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"sync"

	"github.com/diwise/dataverse-client/pkg/webapi"
	"github.com/diwise/dataverse-client/pkg/webapi/errors"
	"github.com/diwise/dataverse-client/pkg/webapi/guid"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type WebAPIClient interface {
	Retrieve(ctx context.Context, entitySet string, id guid.GUID, query string, opts *QueryOptions) (webapi.Entity, error)
	RetrieveMultiple(ctx context.Context, entitySet, query string, opts *QueryOptions) (*webapi.RetrieveMultipleResult, error)
	RetrieveNextPage(ctx context.Context, nextLink string, opts *QueryOptions) (*webapi.RetrieveMultipleResult, error)

	Create(ctx context.Context, entitySet string, entity webapi.Entity, opts *QueryOptions) (*webapi.CreateEntityResult, error)
	CreateWithReturnData(ctx context.Context, entitySet string, entity webapi.Entity, query string, opts *QueryOptions) (webapi.Entity, error)
	Update(ctx context.Context, entitySet string, id guid.GUID, entity webapi.Entity, opts *QueryOptions) error
	UpdateWithReturnData(ctx context.Context, entitySet string, id guid.GUID, entity webapi.Entity, query string, opts *QueryOptions) (webapi.Entity, error)
	UpdateSingleProperty(ctx context.Context, entitySet string, id guid.GUID, property string, value any, opts *QueryOptions) error
	Delete(ctx context.Context, entitySet string, id guid.GUID, opts *QueryOptions) error

	Associate(ctx context.Context, entitySet string, id guid.GUID, navigationProperty, relatedEntitySet string, relatedID guid.GUID, opts *QueryOptions) error
	Disassociate(ctx context.Context, entitySet string, id guid.GUID, navigationProperty string, relatedID *guid.GUID, opts *QueryOptions) error

	ExecuteFunction(ctx context.Context, name string, inputs []FunctionInput, opts *QueryOptions) (*webapi.ExecuteResult, error)
	ExecuteBoundFunction(ctx context.Context, entitySet string, id guid.GUID, name string, inputs []FunctionInput, opts *QueryOptions) (*webapi.ExecuteResult, error)
	ExecuteAction(ctx context.Context, name string, payload any, opts *QueryOptions) (*webapi.ExecuteResult, error)
	ExecuteBoundAction(ctx context.Context, entitySet string, id guid.GUID, name string, payload any, opts *QueryOptions) (*webapi.ExecuteResult, error)

	Batch(ctx context.Context, batchID, changeSetID string, changeSets []ChangeSet, reads []BatchRead, opts *QueryOptions) (*webapi.BatchResult, error)
}

func Debug(enabled string) func(*webAPIClient) {
	return func(c *webAPIClient) {
		c.debug = (enabled == "true")
	}
}

func APIVersion(version string) func(*webAPIClient) {
	return func(c *webAPIClient) {
		if version != "" {
			c.version = version
		}
	}
}

func BearerToken(token string) func(*webAPIClient) {
	return TokenSource(func(context.Context) (string, error) {
		return token, nil
	})
}

// TokenSource is asked for a bearer credential before each request.
func TokenSource(source func(ctx context.Context) (string, error)) func(*webAPIClient) {
	return func(c *webAPIClient) {
		c.tokenSource = source
	}
}

func HTTPClient(httpClient *http.Client) func(*webAPIClient) {
	return func(c *webAPIClient) {
		c.httpClient = httpClient
	}
}

func NewWebAPIClient(resolver BaseURLResolver, options ...func(*webAPIClient)) WebAPIClient {
	c := &webAPIClient{
		resolver: resolver,
		version:  DefaultAPIVersion,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

const (
	TraceAttributeEntityID  string = "entity-id"
	TraceAttributeEntitySet string = "entity-set"
	TraceAttributeOperation string = "operation"
)

var tracer = otel.Tracer("dataverse-client")

type webAPIClient struct {
	resolver    BaseURLResolver
	version     string
	tokenSource func(ctx context.Context) (string, error)
	httpClient  *http.Client
	debug       bool

	mu      sync.Mutex
	baseURL string
}

func (c *webAPIClient) Retrieve(ctx context.Context, entitySet string, id guid.GUID, query string, opts *QueryOptions) (webapi.Entity, error) {
	var err error

	ctx, span := tracer.Start(ctx, "retrieve",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, responseBody, err := c.callWebAPI(ctx, request{
		method:  http.MethodGet,
		path:    EntityPath(entitySet, id) + QueryString(query),
		options: opts,
	})
	if err != nil {
		return nil, err
	}

	if err = expectStatus(response, responseBody, http.StatusOK); err != nil {
		return nil, err
	}

	entity := webapi.Entity{}
	err = json.Unmarshal(responseBody, &entity)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal entity: %s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, err
	}

	return entity, nil
}

func (c *webAPIClient) RetrieveMultiple(ctx context.Context, entitySet, query string, opts *QueryOptions) (*webapi.RetrieveMultipleResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "retrieve-multiple",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result, err := c.retrieveMultiple(ctx, request{
		method:  http.MethodGet,
		path:    entitySet + QueryString(query),
		options: opts,
	})

	return result, err
}

// RetrieveNextPage follows an @odata.nextLink. The link is requested as is.
func (c *webAPIClient) RetrieveNextPage(ctx context.Context, nextLink string, opts *QueryOptions) (*webapi.RetrieveMultipleResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "retrieve-next-page")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result, err := c.retrieveMultiple(ctx, request{
		method:   http.MethodGet,
		path:     nextLink,
		absolute: true,
		options:  opts,
	})

	return result, err
}

func (c *webAPIClient) retrieveMultiple(ctx context.Context, r request) (*webapi.RetrieveMultipleResult, error) {
	response, responseBody, err := c.callWebAPI(ctx, r)
	if err != nil {
		return nil, err
	}

	if err = expectStatus(response, responseBody, http.StatusOK); err != nil {
		return nil, err
	}

	result, err := webapi.NewRetrieveMultipleResult(responseBody)
	if err != nil {
		if c.debug && len(responseBody) < 1000 {
			err = fmt.Errorf("unmarshaling of %s failed with err %s", string(responseBody), err.Error())
		}
		return nil, fmt.Errorf("%w (%w)", err, errors.ErrBadResponse)
	}

	return result, nil
}

func (c *webAPIClient) Create(ctx context.Context, entitySet string, entity webapi.Entity, opts *QueryOptions) (*webapi.CreateEntityResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}

	response, responseBody, err := c.callWebAPI(ctx, request{
		method:  http.MethodPost,
		path:    entitySet,
		body:    body,
		options: opts,
	})
	if err != nil {
		return nil, err
	}

	if err = expectStatus(response, responseBody, http.StatusNoContent, http.StatusCreated); err != nil {
		return nil, err
	}

	location := response.Header.Get("OData-EntityId")
	if location == "" {
		logging.GetFromContext(ctx).Warn("service did not provide an OData-EntityId header with created response", "entity_set", entitySet)
		location = response.Header.Get("Location")
	}

	result, err := webapi.NewCreateEntityResultFromURI(location)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String(TraceAttributeEntityID, result.ID().String()))

	return result, nil
}

func (c *webAPIClient) CreateWithReturnData(ctx context.Context, entitySet string, entity webapi.Entity, query string, opts *QueryOptions) (webapi.Entity, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create-with-return-data",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}

	response, responseBody, err := c.callWebAPI(ctx, request{
		method:  http.MethodPost,
		path:    entitySet + QueryString(query),
		body:    body,
		options: withRepresentation(opts),
	})
	if err != nil {
		return nil, err
	}

	if err = expectStatus(response, responseBody, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}

	created := webapi.Entity{}
	err = json.Unmarshal(responseBody, &created)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal created entity: %s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, err
	}

	return created, nil
}

func (c *webAPIClient) Update(ctx context.Context, entitySet string, id guid.GUID, entity webapi.Entity, opts *QueryOptions) error {
	var err error

	ctx, span := tracer.Start(ctx, "update",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(entity)
	if err != nil {
		return err
	}

	err = c.callWithoutContent(ctx, request{
		method:  http.MethodPatch,
		path:    EntityPath(entitySet, id),
		body:    body,
		options: opts,
	})

	return err
}

func (c *webAPIClient) UpdateWithReturnData(ctx context.Context, entitySet string, id guid.GUID, entity webapi.Entity, query string, opts *QueryOptions) (webapi.Entity, error) {
	var err error

	ctx, span := tracer.Start(ctx, "update-with-return-data",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}

	response, responseBody, err := c.callWebAPI(ctx, request{
		method:  http.MethodPatch,
		path:    EntityPath(entitySet, id) + QueryString(query),
		body:    body,
		options: withRepresentation(opts),
	})
	if err != nil {
		return nil, err
	}

	if err = expectStatus(response, responseBody, http.StatusOK); err != nil {
		return nil, err
	}

	updated := webapi.Entity{}
	err = json.Unmarshal(responseBody, &updated)
	if err != nil {
		err = fmt.Errorf("failed to unmarshal updated entity: %s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, err
	}

	return updated, nil
}

func (c *webAPIClient) UpdateSingleProperty(ctx context.Context, entitySet string, id guid.GUID, property string, value any, opts *QueryOptions) error {
	var err error

	ctx, span := tracer.Start(ctx, "update-single-property",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return err
	}

	err = c.callWithoutContent(ctx, request{
		method:  http.MethodPut,
		path:    EntityPath(entitySet, id) + "/" + property,
		body:    body,
		options: opts,
	})

	return err
}

func (c *webAPIClient) Delete(ctx context.Context, entitySet string, id guid.GUID, opts *QueryOptions) error {
	var err error

	ctx, span := tracer.Start(ctx, "delete",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.callWithoutContent(ctx, request{
		method:  http.MethodDelete,
		path:    EntityPath(entitySet, id),
		options: opts,
	})

	return err
}

func (c *webAPIClient) Associate(ctx context.Context, entitySet string, id guid.GUID, navigationProperty, relatedEntitySet string, relatedID guid.GUID, opts *QueryOptions) error {
	var err error

	ctx, span := tracer.Start(ctx, "associate",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	base, err := c.resolveBaseURL(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"@odata.id": BuildURL(base, c.version, EntityPath(relatedEntitySet, relatedID)),
	})
	if err != nil {
		return err
	}

	err = c.callWithoutContent(ctx, request{
		method:  http.MethodPost,
		path:    EntityPath(entitySet, id) + "/" + navigationProperty + "/$ref",
		body:    body,
		options: opts,
	})

	return err
}

// Disassociate removes a relationship. relatedID must be set for collection valued
// navigation properties and left nil for single valued ones.
func (c *webAPIClient) Disassociate(ctx context.Context, entitySet string, id guid.GUID, navigationProperty string, relatedID *guid.GUID, opts *QueryOptions) error {
	var err error

	ctx, span := tracer.Start(ctx, "disassociate",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	path := EntityPath(entitySet, id) + "/" + navigationProperty
	if relatedID != nil {
		path += "(" + relatedID.String() + ")"
	}

	err = c.callWithoutContent(ctx, request{
		method:  http.MethodDelete,
		path:    path + "/$ref",
		options: opts,
	})

	return err
}

func (c *webAPIClient) ExecuteFunction(ctx context.Context, name string, inputs []FunctionInput, opts *QueryOptions) (*webapi.ExecuteResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "execute-function",
		trace.WithAttributes(attribute.String(TraceAttributeOperation, name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result, err := c.execute(ctx, request{
		method:  http.MethodGet,
		path:    EncodeFunctionCall(name, inputs),
		options: opts,
	})

	return result, err
}

func (c *webAPIClient) ExecuteBoundFunction(ctx context.Context, entitySet string, id guid.GUID, name string, inputs []FunctionInput, opts *QueryOptions) (*webapi.ExecuteResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "execute-bound-function",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
		trace.WithAttributes(attribute.String(TraceAttributeOperation, name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result, err := c.execute(ctx, request{
		method:  http.MethodGet,
		path:    EntityPath(entitySet, id) + "/" + EncodeFunctionCall(name, inputs),
		options: opts,
	})

	return result, err
}

func (c *webAPIClient) ExecuteAction(ctx context.Context, name string, payload any, opts *QueryOptions) (*webapi.ExecuteResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "execute-action",
		trace.WithAttributes(attribute.String(TraceAttributeOperation, name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	result, err := c.execute(ctx, request{
		method:  http.MethodPost,
		path:    name,
		body:    body,
		options: opts,
	})

	return result, err
}

func (c *webAPIClient) ExecuteBoundAction(ctx context.Context, entitySet string, id guid.GUID, name string, payload any, opts *QueryOptions) (*webapi.ExecuteResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "execute-bound-action",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, entitySet)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id.String())),
		trace.WithAttributes(attribute.String(TraceAttributeOperation, name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	result, err := c.execute(ctx, request{
		method:  http.MethodPost,
		path:    EntityPath(entitySet, id) + "/" + name,
		body:    body,
		options: opts,
	})

	return result, err
}

func (c *webAPIClient) execute(ctx context.Context, r request) (*webapi.ExecuteResult, error) {
	response, responseBody, err := c.callWebAPI(ctx, r)
	if err != nil {
		return nil, err
	}

	if err = expectStatus(response, responseBody, http.StatusOK, http.StatusNoContent); err != nil {
		return nil, err
	}

	return webapi.NewExecuteResult(response.StatusCode, responseBody), nil
}

// Batch sends change sets and reads as a single $batch request. Empty batch or
// change set ids are replaced by generated ones.
func (c *webAPIClient) Batch(ctx context.Context, batchID, changeSetID string, changeSets []ChangeSet, reads []BatchRead, opts *QueryOptions) (*webapi.BatchResult, error) {
	var err error

	if batchID == "" {
		batchID = guid.New().String()
	}
	if changeSetID == "" {
		changeSetID = guid.New().String()
	}

	ctx, span := tracer.Start(ctx, "batch",
		trace.WithAttributes(attribute.Int("change-sets", len(changeSets))),
		trace.WithAttributes(attribute.Int("reads", len(reads))),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	base, err := c.resolveBaseURL(ctx)
	if err != nil {
		return nil, err
	}

	body, err := EncodeBatchBody(base, c.version, batchID, changeSetID, changeSets, reads)
	if err != nil {
		return nil, err
	}

	response, responseBody, err := c.callWebAPI(ctx, request{
		method:      http.MethodPost,
		path:        "$batch",
		body:        []byte(body),
		contentType: BatchContentType(batchID),
		options:     opts,
	})
	if err != nil {
		return nil, err
	}

	if err = expectStatus(response, responseBody, http.StatusOK); err != nil {
		return nil, err
	}

	result, err := DecodeBatchResponse(response.Header.Get("Content-Type"), bytes.NewReader(responseBody), len(changeSets), len(reads))
	if err != nil {
		return nil, err
	}

	logging.GetFromContext(ctx).Debug("batch completed", "change_sets", len(changeSets), "reads", len(reads), "failed", result.Err() != nil)

	return result, nil
}

type request struct {
	method      string
	path        string
	absolute    bool
	body        []byte
	contentType string
	options     *QueryOptions
}

func (c *webAPIClient) resolveBaseURL(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.baseURL != "" {
		return c.baseURL, nil
	}

	if c.resolver == nil {
		return "", fmt.Errorf("no base url resolver configured (%w)", errors.ErrRequest)
	}

	baseURL, err := c.resolver.BaseURL(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base url: %s (%w)", err.Error(), errors.ErrRequest)
	}

	c.baseURL = baseURL
	return c.baseURL, nil
}

func (c *webAPIClient) callWithoutContent(ctx context.Context, r request) error {
	response, responseBody, err := c.callWebAPI(ctx, r)
	if err != nil {
		return err
	}

	return expectStatus(response, responseBody, http.StatusNoContent, http.StatusResetContent)
}

func (c *webAPIClient) callWebAPI(ctx context.Context, r request) (*http.Response, []byte, error) {
	endpoint := r.path

	if !r.absolute {
		base, err := c.resolveBaseURL(ctx)
		if err != nil {
			return nil, nil, err
		}
		endpoint = BuildURL(base, c.version, r.path)
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
	}

	token := ""
	if c.tokenSource != nil {
		token, err = c.tokenSource(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to acquire bearer token: %s (%w)", err.Error(), errors.ErrRequest)
		}
	}

	req.Header = buildHeaders(r.options, r.contentType, token)

	log := logging.GetFromContext(ctx)
	log.Debug("calling web api", "method", r.method, "url", endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.NewTransportError("send request", err)
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.NewTransportError("read response body", err)
	}

	if c.debug && resp.StatusCode >= http.StatusBadRequest {
		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusNotFound {
			reqbytes, _ := httputil.DumpRequest(req, false)
			respbytes, _ := httputil.DumpResponse(resp, false)

			log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
		}
	}

	return resp, respBody, nil
}

func expectStatus(response *http.Response, responseBody []byte, codes ...int) error {
	for _, code := range codes {
		if response.StatusCode == code {
			return nil
		}
	}

	return errors.NewErrorFromServiceResponse(response.StatusCode, response.Header.Get("Content-Type"), responseBody)
}

func withRepresentation(opts *QueryOptions) *QueryOptions {
	o := QueryOptions{}
	if opts != nil {
		o = *opts
	}
	o.ReturnRepresentation = true
	return &o
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}
