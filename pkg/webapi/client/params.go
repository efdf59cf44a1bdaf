package client

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/diwise/dataverse-client/pkg/webapi/guid"
)

const (
	AnnotationFormattedValue               = "OData.Community.Display.V1.FormattedValue"
	AnnotationLookupLogicalName            = "Microsoft.Dynamics.CRM.lookuplogicalname"
	AnnotationAssociatedNavigationProperty = "Microsoft.Dynamics.CRM.associatednavigationproperty"

	HeaderCallerID = "MSCRMCallerID"

	ContentTypeJSON = "application/json; charset=utf-8"
)

// QueryOptions tune how the service answers a single request. The zero value,
// as well as a nil pointer, leaves everything to the service defaults.
type QueryOptions struct {
	IncludeFormattedValues                bool
	IncludeLookupLogicalNames             bool
	IncludeAssociatedNavigationProperties bool

	MaxPageSize          int
	Impersonate          *guid.GUID
	ReturnRepresentation bool
}

// BuildPreferHeader returns the value of the Prefer header for opts.
//
// The include-annotations clause is always present. When no annotation is
// requested it is emitted as an empty quoted string.
func BuildPreferHeader(opts *QueryOptions) string {
	if opts == nil {
		opts = &QueryOptions{}
	}

	prefer := make([]string, 0, 3)

	if opts.MaxPageSize > 0 {
		prefer = append(prefer, fmt.Sprintf("odata.maxpagesize=%d", opts.MaxPageSize))
	}

	if opts.IncludeFormattedValues && opts.IncludeLookupLogicalNames && opts.IncludeAssociatedNavigationProperties {
		prefer = append(prefer, `odata.include-annotations="*"`)
	} else {
		annotations := make([]string, 0, 2)
		if opts.IncludeFormattedValues {
			annotations = append(annotations, AnnotationFormattedValue)
		}
		if opts.IncludeLookupLogicalNames {
			annotations = append(annotations, AnnotationLookupLogicalName)
		}
		if opts.IncludeAssociatedNavigationProperties {
			annotations = append(annotations, AnnotationAssociatedNavigationProperty)
		}
		prefer = append(prefer, fmt.Sprintf(`odata.include-annotations="%s"`, strings.Join(annotations, ",")))
	}

	if opts.ReturnRepresentation {
		prefer = append(prefer, "return=representation")
	}

	return strings.Join(prefer, ",")
}

func buildHeaders(opts *QueryOptions, contentType, token string) http.Header {
	if contentType == "" {
		contentType = ContentTypeJSON
	}

	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Content-Type", contentType)
	h.Set("OData-MaxVersion", "4.0")
	h.Set("OData-Version", "4.0")
	h.Set("Cache-Control", "no-cache")
	h.Set("Prefer", BuildPreferHeader(opts))

	if opts != nil && opts.Impersonate != nil {
		h.Set(HeaderCallerID, opts.Impersonate.String())
	}

	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	return h
}

// QueryString prepends a '?' to query unless it already starts with one.
func QueryString(query string) string {
	if query == "" || strings.HasPrefix(query, "?") {
		return query
	}
	return "?" + query
}
