package webapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	webapierrors "github.com/diwise/dataverse-client/pkg/webapi/errors"
	"github.com/diwise/dataverse-client/pkg/webapi/guid"
)

// Entity is the JSON field map of a single record.
type Entity map[string]any

type CreateEntityResult struct {
	id  guid.GUID
	uri string
}

func NewCreateEntityResult(id guid.GUID, uri string) *CreateEntityResult {
	return &CreateEntityResult{
		id:  id,
		uri: uri,
	}
}

// NewCreateEntityResultFromURI extracts the identifier between the last '(' of uri
// and its matching ')'.
func NewCreateEntityResultFromURI(uri string) (*CreateEntityResult, error) {
	start := strings.LastIndex(uri, "(")
	if start < 0 {
		return nil, fmt.Errorf("no identifier found in %q (%w)", uri, webapierrors.ErrBadResponse)
	}

	end := strings.Index(uri[start:], ")")
	if end < 0 {
		return nil, fmt.Errorf("no identifier found in %q (%w)", uri, webapierrors.ErrBadResponse)
	}

	id, err := guid.Parse(uri[start+1 : start+end])
	if err != nil {
		return nil, fmt.Errorf("failed to parse identifier from %q: %s (%w)", uri, err.Error(), webapierrors.ErrBadResponse)
	}

	return NewCreateEntityResult(id, uri), nil
}

func (r CreateEntityResult) ID() guid.GUID {
	return r.id
}

func (r CreateEntityResult) URI() string {
	return r.uri
}

type RetrieveMultipleResult struct {
	Context  string   `json:"@odata.context,omitempty"`
	Count    *int64   `json:"@odata.count,omitempty"`
	NextLink string   `json:"@odata.nextLink,omitempty"`
	Value    []Entity `json:"value"`
}

func (r RetrieveMultipleResult) HasMore() bool {
	return r.NextLink != ""
}

func NewRetrieveMultipleResult(body []byte) (*RetrieveMultipleResult, error) {
	rmr := &RetrieveMultipleResult{}
	err := json.Unmarshal(body, rmr)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection: %w", err)
	}
	return rmr, nil
}

// ExecuteResult is the outcome of a function or action. Body is nil when the
// service answered without content.
type ExecuteResult struct {
	StatusCode int
	Body       []byte
}

func NewExecuteResult(statusCode int, body []byte) *ExecuteResult {
	if statusCode == http.StatusNoContent || statusCode == http.StatusResetContent || len(body) == 0 {
		body = nil
	}
	return &ExecuteResult{StatusCode: statusCode, Body: body}
}

func (r ExecuteResult) HasPayload() bool {
	return r.Body != nil
}

func (r ExecuteResult) Decode(v any) error {
	if !r.HasPayload() {
		return fmt.Errorf("response has no payload to decode")
	}
	return json.Unmarshal(r.Body, v)
}

// OperationResult is the outcome of a single operation inside a batch.
type OperationResult struct {
	ContentID  string
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (r OperationResult) Succeeded() bool {
	return r.Err == nil
}

func (r OperationResult) Entity() (Entity, error) {
	if r.Err != nil {
		return nil, r.Err
	}

	e := Entity{}
	err := json.Unmarshal(r.Body, &e)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	return e, nil
}

func (r OperationResult) CreatedEntity() (*CreateEntityResult, error) {
	if r.Err != nil {
		return nil, r.Err
	}

	uri := r.Header.Get("OData-EntityId")
	if uri == "" {
		uri = r.Header.Get("Location")
	}

	return NewCreateEntityResultFromURI(uri)
}

type BatchResult struct {
	ChangeSets []OperationResult
	Reads      []OperationResult
}

// Err joins the errors of all failed operations, or returns nil if every operation succeeded.
func (r BatchResult) Err() error {
	errs := []error{}
	for _, op := range r.ChangeSets {
		if op.Err != nil {
			errs = append(errs, op.Err)
		}
	}
	for _, op := range r.Reads {
		if op.Err != nil {
			errs = append(errs, op.Err)
		}
	}
	return errors.Join(errs...)
}
