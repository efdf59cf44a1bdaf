package webapitest

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"slices"
	"strings"

	"github.com/diwise/dataverse-client/pkg/webapi"
	"github.com/diwise/dataverse-client/pkg/webapi/guid"
)

// batch executes the operations of a $batch request. A change set is applied
// atomically and processing stops at the first failed operation.
func (s *Service) batch(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		writeError(w, http.StatusBadRequest, "0x80048d19", "batch request must be multipart/mixed with a boundary")
		return
	}

	out := &bytes.Buffer{}
	mw := multipart.NewWriter(out)
	mw.SetBoundary("batchresponse_" + strings.ToLower(guid.New().String()))

	reader := multipart.NewReader(r.Body, params["boundary"])

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "0x80048d19", err.Error())
			return
		}

		partType, partParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))

		var failed bool
		if strings.HasPrefix(partType, "multipart/") {
			failed, err = s.changeSet(mw, part, partParams["boundary"])
		} else {
			failed, err = s.operation(mw, part, "")
		}

		if err != nil {
			writeError(w, http.StatusBadRequest, "0x80048d19", err.Error())
			return
		}

		if failed {
			break
		}
	}

	mw.Close()

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.Header().Set("OData-Version", "4.0")
	w.WriteHeader(http.StatusOK)
	w.Write(out.Bytes())
}

type embeddedResponse struct {
	contentID string
	recorder  *httptest.ResponseRecorder
}

func (s *Service) changeSet(mw *multipart.Writer, r io.Reader, boundary string) (bool, error) {
	snapshot := s.snapshot()

	responses := []embeddedResponse{}
	reader := multipart.NewReader(r, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}

		req, err := parseEmbeddedRequest(part)
		if err != nil {
			return false, err
		}

		rec := s.serve(req)
		resp := embeddedResponse{contentID: part.Header.Get("Content-ID"), recorder: rec}

		if rec.Code >= http.StatusBadRequest {
			s.restore(snapshot)
			return true, writeEmbeddedResponse(mw, resp)
		}

		responses = append(responses, resp)
	}

	csBuf := &bytes.Buffer{}
	csw := multipart.NewWriter(csBuf)
	csw.SetBoundary("changesetresponse_" + strings.ToLower(guid.New().String()))

	for _, resp := range responses {
		if err := writeEmbeddedResponse(csw, resp); err != nil {
			return false, err
		}
	}

	csw.Close()

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "multipart/mixed; boundary="+csw.Boundary())

	pw, err := mw.CreatePart(h)
	if err != nil {
		return false, err
	}

	_, err = pw.Write(csBuf.Bytes())
	return false, err
}

func (s *Service) operation(mw *multipart.Writer, r io.Reader, contentID string) (bool, error) {
	req, err := parseEmbeddedRequest(r)
	if err != nil {
		return false, err
	}

	rec := s.serve(req)

	err = writeEmbeddedResponse(mw, embeddedResponse{contentID: contentID, recorder: rec})
	return rec.Code >= http.StatusBadRequest, err
}

func (s *Service) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

// parseEmbeddedRequest reads a request line, optional headers and an optional body.
// The blank line after the headers may be missing when there is no body.
func parseEmbeddedRequest(r io.Reader) (*http.Request, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	head, body, _ := strings.Cut(string(raw), "\r\n\r\n")
	lines := strings.Split(head, "\r\n")

	requestLine := strings.Fields(lines[0])
	if len(requestLine) != 3 {
		return nil, fmt.Errorf("malformed request line %q", lines[0])
	}

	req, err := http.NewRequest(requestLine[0], requestLine[1], strings.NewReader(body))
	if err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.Header.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	return req, nil
}

func writeEmbeddedResponse(mw *multipart.Writer, resp embeddedResponse) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/http")
	h.Set("Content-Transfer-Encoding", "binary")
	if resp.contentID != "" {
		h.Set("Content-ID", resp.contentID)
	}

	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	code := resp.recorder.Code
	fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	resp.recorder.Header().Write(pw)
	fmt.Fprint(pw, "\r\n")
	_, err = pw.Write(resp.recorder.Body.Bytes())

	return err
}

type state struct {
	sets map[string]*entitySet
	refs map[string][]string
}

func (s *Service) snapshot() state {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := state{
		sets: make(map[string]*entitySet, len(s.sets)),
		refs: make(map[string][]string, len(s.refs)),
	}

	for name, es := range s.sets {
		c := &entitySet{
			order:    slices.Clone(es.order),
			entities: make(map[string]webapi.Entity, len(es.entities)),
		}
		for id, e := range es.entities {
			c.entities[id] = cloneEntity(e)
		}
		st.sets[name] = c
	}

	for k, v := range s.refs {
		st.refs[k] = slices.Clone(v)
	}

	return st
}

func (s *Service) restore(st state) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sets = st.sets
	s.refs = st.refs
}
