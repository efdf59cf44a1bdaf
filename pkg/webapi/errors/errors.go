package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

var ErrBadRequest = fmt.Errorf("bad request")
var ErrBadResponse = fmt.Errorf("bad response")
var ErrInternal = fmt.Errorf("internal error")
var ErrInvalidFormat = fmt.Errorf("invalid format")
var ErrNotExecuted = fmt.Errorf("not executed")
var ErrNotFound = fmt.Errorf("not found")
var ErrRequest = fmt.Errorf("request error")
var ErrService = fmt.Errorf("service error")
var ErrUnauthorized = fmt.Errorf("unauthorized")

// FormatError is returned when a value can not be parsed into its canonical form.
type FormatError struct {
	Input  string
	Reason string
}

func NewFormatError(input, reason string) *FormatError {
	return &FormatError{Input: input, Reason: reason}
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid format %q: %s", e.Input, e.Reason)
}

func (e *FormatError) Is(target error) bool { return target == ErrInvalidFormat }

// TransportError is returned when an exchange with the service could not be completed.
type TransportError struct {
	Op    string
	Cause error
}

func NewTransportError(op string, cause error) *TransportError {
	return &TransportError{Op: op, Cause: cause}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to %s: %s (%s)", e.Op, e.Cause.Error(), ErrRequest.Error())
}

func (e *TransportError) Is(target error) bool { return target == ErrRequest }
func (e *TransportError) Unwrap() error        { return e.Cause }

// ServiceError carries the structured error returned by the web api together
// with the status code of the failed response.
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *ServiceError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("[code: %d] service returned an error without details", e.StatusCode)
	}

	return fmt.Sprintf("[code: %d] %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *ServiceError) Is(target error) bool {
	if target == ErrService {
		return true
	}

	switch {
	case e.StatusCode == http.StatusBadRequest:
		return target == ErrBadRequest
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return target == ErrUnauthorized
	case e.StatusCode == http.StatusNotFound:
		return target == ErrNotFound
	case e.StatusCode >= http.StatusInternalServerError:
		return target == ErrInternal
	}

	return false
}

// Details decodes the complete error object returned by the service into v.
func (e *ServiceError) Details(v any) error {
	envelope := struct {
		Error json.RawMessage `json:"error"`
	}{}

	err := json.Unmarshal(e.Body, &envelope)
	if err != nil {
		return err
	}

	if len(envelope.Error) == 0 {
		return json.Unmarshal(e.Body, v)
	}

	return json.Unmarshal(envelope.Error, v)
}

func NewErrorFromServiceResponse(code int, contentType string, body []byte) error {
	se := &ServiceError{
		StatusCode: code,
		Body:       body,
	}

	if len(body) == 0 {
		return se
	}

	report := &struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{}

	if !strings.Contains(contentType, "json") || json.Unmarshal(body, report) != nil {
		se.Message = string(body)
		return se
	}

	se.Code = report.Error.Code
	se.Message = report.Error.Message

	return se
}
