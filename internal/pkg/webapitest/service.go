// Package webapitest provides an in-memory web api that understands the subset of
// OData used by the client: entity sets, single valued properties, references,
// functions, actions and $batch.
package webapitest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/diwise/dataverse-client/internal/pkg/infrastructure/router"
	"github.com/diwise/dataverse-client/pkg/webapi"
	"github.com/diwise/dataverse-client/pkg/webapi/guid"
	"github.com/go-chi/chi/v5"
)

// Function handles a function call. Arguments hold the literals as they appeared
// in the request, with parameter aliases already resolved.
type Function func(args map[string]string) (any, error)

// Action handles an action. target is nil for unbound actions.
type Action func(target webapi.Entity, payload map[string]any) (any, error)

type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
}

type Service struct {
	server *httptest.Server
	mux    http.Handler

	mu        sync.Mutex
	sets      map[string]*entitySet
	refs      map[string][]string
	functions map[string]Function
	actions   map[string]Action
	requests  []RecordedRequest
}

type entitySet struct {
	order    []string
	entities map[string]webapi.Entity
}

func WithFunction(name string, fn Function) func(*Service) {
	return func(s *Service) {
		s.functions[name] = fn
	}
}

func WithAction(name string, fn Action) func(*Service) {
	return func(s *Service) {
		s.actions[name] = fn
	}
}

// WithEntity seeds the service with a record in set.
func WithEntity(set string, id guid.GUID, e webapi.Entity) func(*Service) {
	return func(s *Service) {
		s.store(set, id.String(), e)
	}
}

func New(options ...func(*Service)) *Service {
	s := &Service{
		sets:      map[string]*entitySet{},
		refs:      map[string][]string{},
		functions: map[string]Function{},
		actions:   map[string]Action{},
	}

	for _, option := range options {
		option(s)
	}

	r := router.New("webapitest")
	r.HandleFunc("/api/data/{version}/*", s.handle)

	s.mux = r
	s.server = httptest.NewServer(r)

	return s
}

func (s *Service) URL() string {
	return s.server.URL
}

func (s *Service) Close() {
	s.server.Close()
}

func (s *Service) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

func (s *Service) Entity(set string, id guid.GUID) (webapi.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	es, ok := s.sets[set]
	if !ok {
		return nil, false
	}

	e, ok := es.entities[id.String()]
	return e, ok
}

func (s *Service) Count(set string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if es, ok := s.sets[set]; ok {
		return len(es.order)
	}
	return 0
}

// References returns the urls referenced by the navigation property of a record.
func (s *Service) References(set string, id guid.GUID, navigationProperty string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.refs[refKey(set, id.String(), navigationProperty)])
}

var segmentPattern = regexp.MustCompile(`^([^()]+)(?:\((.*)\))?$`)

type segment struct {
	name string
	key  string
	keyd bool
}

func parseSegment(s string) (segment, bool) {
	m := segmentPattern.FindStringSubmatch(s)
	if m == nil {
		return segment{}, false
	}
	return segment{name: m[1], key: m[2], keyd: strings.Contains(s, "(")}, true
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
	})
	s.mu.Unlock()

	path := chi.URLParam(r, "*")

	if path == "$batch" && r.Method == http.MethodPost {
		s.batch(w, r)
		return
	}

	parts := strings.Split(path, "/")
	segments := make([]segment, 0, len(parts))
	for _, p := range parts {
		seg, ok := parseSegment(p)
		if !ok {
			writeError(w, http.StatusBadRequest, "0x80060888", fmt.Sprintf("invalid segment %q", p))
			return
		}
		segments = append(segments, seg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := segments[0]

	if fn, ok := s.functions[first.name]; ok && len(segments) == 1 && r.Method == http.MethodGet {
		s.callFunction(w, r, fn, first.key)
		return
	}

	if action, ok := s.actions[first.name]; ok && len(segments) == 1 && r.Method == http.MethodPost {
		s.callAction(w, r, action, nil)
		return
	}

	if !first.keyd {
		switch r.Method {
		case http.MethodGet:
			s.list(w, r, first.name)
		case http.MethodPost:
			s.create(w, r, first.name)
		default:
			writeError(w, http.StatusMethodNotAllowed, "0x80060888", "method not allowed on collection")
		}
		return
	}

	id, err := guid.Parse(first.key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "0x80060888", err.Error())
		return
	}

	entity, found := s.lookup(first.name, id.String())
	if !found {
		writeError(w, http.StatusNotFound, "0x80040217", fmt.Sprintf("%s With Id = %s Does Not Exist", first.name, strings.ToLower(id.String())))
		return
	}

	switch len(segments) {
	case 1:
		s.single(w, r, first.name, id.String(), entity)
	case 2:
		second := segments[1]
		if fn, ok := s.functions[second.name]; ok && r.Method == http.MethodGet {
			s.callFunction(w, r, fn, second.key)
		} else if action, ok := s.actions[second.name]; ok && r.Method == http.MethodPost {
			s.callAction(w, r, action, entity)
		} else if r.Method == http.MethodPut && !second.keyd {
			s.setProperty(w, r, entity, second.name)
		} else if r.Method == http.MethodGet && !second.keyd {
			writeJSON(w, http.StatusOK, map[string]any{"value": entity[second.name]})
		} else {
			writeError(w, http.StatusBadRequest, "0x80060888", "unsupported request")
		}
	case 3:
		if segments[2].name != "$ref" {
			writeError(w, http.StatusBadRequest, "0x80060888", "unsupported request")
			return
		}
		s.reference(w, r, first.name, id.String(), segments[1])
	default:
		writeError(w, http.StatusBadRequest, "0x80060888", "unsupported request")
	}
}

func (s *Service) lookup(set, id string) (webapi.Entity, bool) {
	es, ok := s.sets[set]
	if !ok {
		return nil, false
	}
	e, ok := es.entities[id]
	return e, ok
}

func (s *Service) store(set, id string, e webapi.Entity) {
	es, ok := s.sets[set]
	if !ok {
		es = &entitySet{entities: map[string]webapi.Entity{}}
		s.sets[set] = es
	}

	if _, exists := es.entities[id]; !exists {
		es.order = append(es.order, id)
	}

	es.entities[id] = e
}

func (s *Service) remove(set, id string) {
	es := s.sets[set]
	delete(es.entities, id)
	es.order = slices.DeleteFunc(es.order, func(o string) bool { return o == id })
}

func (s *Service) list(w http.ResponseWriter, r *http.Request, set string) {
	es, ok := s.sets[set]
	if !ok {
		writeError(w, http.StatusNotFound, "0x8006088a", fmt.Sprintf("Resource not found for the segment '%s'.", set))
		return
	}

	skip, _ := strconv.Atoi(r.URL.Query().Get("$skiptoken"))
	pageSize := maxPageSize(r.Header.Get("Prefer"))
	if pageSize <= 0 {
		pageSize = 5000
	}

	end := min(skip+pageSize, len(es.order))
	values := make([]webapi.Entity, 0, end-skip)
	for _, id := range es.order[min(skip, end):end] {
		values = append(values, es.entities[id])
	}

	result := webapi.RetrieveMultipleResult{
		Context: fmt.Sprintf("%s/$metadata#%s", apiRoot(r), set),
		Value:   values,
	}

	if end < len(es.order) {
		result.NextLink = fmt.Sprintf("%s/%s?$skiptoken=%d", apiRoot(r), set, end)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Service) create(w http.ResponseWriter, r *http.Request, set string) {
	e := webapi.Entity{}
	if err := readJSON(r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "0x80040203", err.Error())
		return
	}

	if err := validate(e); err != nil {
		writeError(w, http.StatusBadRequest, "0x80040203", err.Error())
		return
	}

	id := guid.New()
	e[primaryKey(set)] = strings.ToLower(id.String())
	s.store(set, id.String(), e)

	w.Header().Set("OData-EntityId", fmt.Sprintf("%s/%s(%s)", apiRoot(r), set, strings.ToLower(id.String())))

	if returnRepresentation(r) {
		writeJSON(w, http.StatusCreated, e)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) single(w http.ResponseWriter, r *http.Request, set, id string, entity webapi.Entity) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, entity)
	case http.MethodPatch:
		changes := webapi.Entity{}
		if err := readJSON(r, &changes); err != nil {
			writeError(w, http.StatusBadRequest, "0x80040203", err.Error())
			return
		}
		if err := validate(changes); err != nil {
			writeError(w, http.StatusBadRequest, "0x80040203", err.Error())
			return
		}
		for k, v := range changes {
			entity[k] = v
		}
		if returnRepresentation(r) {
			writeJSON(w, http.StatusOK, entity)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		s.remove(set, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "0x80060888", "method not allowed on entity")
	}
}

func (s *Service) setProperty(w http.ResponseWriter, r *http.Request, entity webapi.Entity, property string) {
	body := map[string]any{}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "0x80040203", err.Error())
		return
	}

	entity[property] = body["value"]
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) reference(w http.ResponseWriter, r *http.Request, set, id string, nav segment) {
	key := refKey(set, id, nav.name)

	switch r.Method {
	case http.MethodPost:
		body := map[string]string{}
		if err := readJSON(r, &body); err != nil || body["@odata.id"] == "" {
			writeError(w, http.StatusBadRequest, "0x80040203", "missing @odata.id")
			return
		}
		s.refs[key] = append(s.refs[key], body["@odata.id"])
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		before := len(s.refs[key])
		s.refs[key] = slices.DeleteFunc(s.refs[key], func(ref string) bool {
			if !nav.keyd {
				return true
			}
			return strings.HasSuffix(strings.ToUpper(ref), "("+strings.ToUpper(nav.key)+")")
		})
		if before == len(s.refs[key]) {
			writeError(w, http.StatusNotFound, "0x80040217", "reference does not exist")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "0x80060888", "method not allowed on reference")
	}
}

var aliasPattern = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)=`)

// aliases splits the raw query into alias assignments. Assignments are not
// necessarily separated by '&'.
func aliases(rawQuery string) map[string]string {
	result := map[string]string{}

	matches := aliasPattern.FindAllStringSubmatchIndex(rawQuery, -1)
	for idx, m := range matches {
		end := len(rawQuery)
		if idx+1 < len(matches) {
			end = matches[idx+1][0]
		}
		result[rawQuery[m[2]:m[3]]] = strings.TrimSuffix(rawQuery[m[1]:end], "&")
	}

	return result
}

func (s *Service) callFunction(w http.ResponseWriter, r *http.Request, fn Function, argList string) {
	aliased := aliases(r.URL.RawQuery)
	args := map[string]string{}

	for _, arg := range strings.Split(argList, ",") {
		if arg == "" {
			continue
		}

		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			writeError(w, http.StatusBadRequest, "0x80060888", fmt.Sprintf("malformed argument %q", arg))
			return
		}

		if strings.HasPrefix(value, "@") {
			v, ok := aliased[value[1:]]
			if !ok {
				writeError(w, http.StatusBadRequest, "0x80060888", fmt.Sprintf("unresolved alias %s", value))
				return
			}
			value = v
		}

		args[name] = value
	}

	result, err := fn(args)
	writeOperationResult(w, result, err)
}

func (s *Service) callAction(w http.ResponseWriter, r *http.Request, action Action, target webapi.Entity) {
	payload := map[string]any{}
	if r.ContentLength != 0 {
		if err := readJSON(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "0x80040203", err.Error())
			return
		}
	}

	result, err := action(target, payload)
	writeOperationResult(w, result, err)
}

func writeOperationResult(w http.ResponseWriter, result any, err error) {
	if err != nil {
		writeError(w, http.StatusBadRequest, "0x80040265", err.Error())
		return
	}

	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func refKey(set, id, nav string) string {
	return fmt.Sprintf("%s(%s)/%s", set, id, nav)
}

func primaryKey(set string) string {
	return strings.TrimSuffix(set, "s") + "id"
}

func apiRoot(r *http.Request) string {
	return fmt.Sprintf("http://%s/api/data/%s", r.Host, chi.URLParam(r, "version"))
}
