package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/dataverse-client/pkg/webapi"
	"github.com/diwise/dataverse-client/pkg/webapi/errors"
)

// ChangeSet is a write operation that is executed within the atomic change set of a batch.
// Method defaults to POST.
type ChangeSet struct {
	Method string
	Path   string
	Entity webapi.Entity
}

// BatchRead is a GET request that is executed after the change set of a batch.
type BatchRead struct {
	Path string
}

func BatchContentType(batchID string) string {
	return "multipart/mixed;boundary=batch_" + batchID
}

// EncodeBatchBody assembles the multipart/mixed body of a $batch request. Change sets
// are always written before reads and get 1-based sequential Content-IDs.
func EncodeBatchBody(base, version, batchID, changeSetID string, changeSets []ChangeSet, reads []BatchRead) (string, error) {
	lines := make([]string, 0, 10*len(changeSets)+6*len(reads)+5)

	if len(changeSets) > 0 {
		lines = append(lines,
			"--batch_"+batchID,
			"Content-Type: multipart/mixed;boundary=changeset_"+changeSetID,
			"",
		)

		for idx, cs := range changeSets {
			method := cs.Method
			if method == "" {
				method = http.MethodPost
			}

			lines = append(lines,
				"--changeset_"+changeSetID,
				"Content-Type: application/http",
				"Content-Transfer-Encoding:binary",
				"Content-ID: "+strconv.Itoa(idx+1),
				"",
				fmt.Sprintf("%s %s HTTP/1.1", method, BuildURL(base, version, cs.Path)),
			)

			if method == http.MethodDelete {
				lines = append(lines, "")
				continue
			}

			entity := cs.Entity
			if entity == nil {
				entity = webapi.Entity{}
			}

			body, err := json.Marshal(entity)
			if err != nil {
				return "", fmt.Errorf("failed to marshal change set %d: %w", idx+1, err)
			}

			lines = append(lines,
				"Content-Type: application/json;type=entry",
				"",
				string(body),
			)
		}

		lines = append(lines, "--changeset_"+changeSetID+"--")
	}

	for _, r := range reads {
		lines = append(lines,
			"--batch_"+batchID,
			"Content-Type: application/http",
			"Content-Transfer-Encoding:binary",
			"",
			fmt.Sprintf("GET %s HTTP/1.1", BuildURL(base, version, r.Path)),
			"Accept: application/json",
		)
	}

	lines = append(lines, "--batch_"+batchID+"--")

	return strings.Join(lines, "\r\n"), nil
}

// DecodeBatchResponse splits a multipart/mixed $batch response into one outcome per
// requested operation, in request order.
//
// A change set that failed is answered with a single response instead of a nested
// multipart part. Its error is then reported for every change set operation. Reads
// that the service skipped after a failure are reported with errors.ErrNotExecuted.
func DecodeBatchResponse(contentType string, body io.Reader, changeSetCount, readCount int) (*webapi.BatchResult, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch content type: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("batch response is not a multipart message: %s (%w)", contentType, errors.ErrBadResponse)
	}

	result := &webapi.BatchResult{
		ChangeSets: make([]webapi.OperationResult, 0, changeSetCount),
		Reads:      make([]webapi.OperationResult, 0, readCount),
	}

	changeSetsDone := changeSetCount == 0
	failed := false

	reader := multipart.NewReader(body, params["boundary"])

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read batch part: %s (%w)", err.Error(), errors.ErrBadResponse)
		}

		partType, partParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))

		if strings.HasPrefix(partType, "multipart/") {
			if changeSetsDone {
				return nil, fmt.Errorf("unexpected change set in batch response (%w)", errors.ErrBadResponse)
			}

			result.ChangeSets, err = decodeChangeSet(part, partParams["boundary"], changeSetCount)
			if err != nil {
				return nil, err
			}

			for _, op := range result.ChangeSets {
				failed = failed || op.Err != nil
			}

			changeSetsDone = true
			continue
		}

		op, err := decodeOperation(part)
		if err != nil {
			return nil, err
		}

		if !changeSetsDone {
			if op.Err == nil {
				return nil, fmt.Errorf("expected change set but got a single response with status %d (%w)", op.StatusCode, errors.ErrBadResponse)
			}

			for idx := 0; idx < changeSetCount; idx++ {
				rolledBack := op
				rolledBack.ContentID = strconv.Itoa(idx + 1)
				result.ChangeSets = append(result.ChangeSets, rolledBack)
			}

			failed = true
			changeSetsDone = true
			continue
		}

		if len(result.Reads) == readCount {
			return nil, fmt.Errorf("batch response contains more than %d reads (%w)", readCount, errors.ErrBadResponse)
		}

		failed = failed || op.Err != nil
		result.Reads = append(result.Reads, op)
	}

	if !changeSetsDone {
		return nil, fmt.Errorf("batch response is missing the change set (%w)", errors.ErrBadResponse)
	}

	if len(result.Reads) < readCount {
		if !failed {
			return nil, fmt.Errorf("batch response contains %d of %d reads (%w)", len(result.Reads), readCount, errors.ErrBadResponse)
		}

		for len(result.Reads) < readCount {
			result.Reads = append(result.Reads, webapi.OperationResult{
				Err: fmt.Errorf("read %d was skipped after a failure (%w)", len(result.Reads)+1, errors.ErrNotExecuted),
			})
		}
	}

	return result, nil
}

func decodeChangeSet(r io.Reader, boundary string, count int) ([]webapi.OperationResult, error) {
	if boundary == "" {
		return nil, fmt.Errorf("change set boundary is missing (%w)", errors.ErrBadResponse)
	}

	ops := make([]webapi.OperationResult, count)
	filled := make([]bool, count)
	responses := make([]webapi.OperationResult, 0, count)

	reader := multipart.NewReader(r, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read change set part: %s (%w)", err.Error(), errors.ErrBadResponse)
		}

		op, err := decodeOperation(part)
		if err != nil {
			return nil, err
		}

		responses = append(responses, op)
	}

	if len(responses) != count {
		return nil, fmt.Errorf("change set response contains %d of %d operations (%w)", len(responses), count, errors.ErrBadResponse)
	}

	unplaced := []webapi.OperationResult{}

	for _, op := range responses {
		id, err := strconv.Atoi(op.ContentID)
		if err != nil || id < 1 || id > count || filled[id-1] {
			unplaced = append(unplaced, op)
			continue
		}

		ops[id-1] = op
		filled[id-1] = true
	}

	for idx := range ops {
		if filled[idx] {
			continue
		}

		ops[idx] = unplaced[0]
		ops[idx].ContentID = strconv.Itoa(idx + 1)
		unplaced = unplaced[1:]
	}

	return ops, nil
}

func decodeOperation(part *multipart.Part) (webapi.OperationResult, error) {
	op := webapi.OperationResult{
		ContentID: strings.Trim(part.Header.Get("Content-ID"), "<>"),
	}

	resp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return op, fmt.Errorf("failed to parse embedded response: %s (%w)", err.Error(), errors.ErrBadResponse)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return op, fmt.Errorf("failed to read embedded response body: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	op.StatusCode = resp.StatusCode
	op.Header = resp.Header
	op.Body = bytes.TrimSpace(body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		op.Err = errors.NewErrorFromServiceResponse(resp.StatusCode, resp.Header.Get("Content-Type"), op.Body)
	}

	return op, nil
}
