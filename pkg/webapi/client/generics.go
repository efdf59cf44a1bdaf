package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diwise/dataverse-client/pkg/webapi/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// QueryAll retrieves every page of entitySet matching query, following @odata.nextLink,
// and decodes each record into T before passing it to callback.
func QueryAll[T any](ctx context.Context, c WebAPIClient, entitySet, query string, opts *QueryOptions, callback func(t T) error) (count int, err error) {
	logger := logging.GetFromContext(ctx)

	page, err := c.RetrieveMultiple(ctx, entitySet, query, opts)

	for pageNo := 1; ; pageNo++ {
		if err != nil {
			err = fmt.Errorf("failed to retrieve page %d of %s: %w", pageNo, entitySet, err)
			return
		}

		var b []byte
		b, err = json.Marshal(page.Value)
		if err != nil {
			return
		}

		result := make([]T, 0, len(page.Value))
		err = json.Unmarshal(b, &result)
		if err != nil {
			err = fmt.Errorf("failed to unmarshal page %d: %s (%w)", pageNo, err.Error(), errors.ErrBadResponse)
			return
		}

		for _, t := range result {
			if err = callback(t); err != nil {
				return
			}
		}

		count += len(result)

		if !page.HasMore() {
			break
		}

		logger.Debug("following next link", "entity_set", entitySet, "page", pageNo+1)

		page, err = c.RetrieveNextPage(ctx, page.NextLink, opts)
	}

	return
}
