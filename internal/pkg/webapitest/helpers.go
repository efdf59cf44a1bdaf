package webapitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/dataverse-client/pkg/webapi"
)

func readJSON(r *http.Request, v any) error {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	defer r.Body.Close()

	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "0x80040216", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json; odata.metadata=minimal")
	w.Header().Set("OData-Version", "4.0")
	w.WriteHeader(code)
	w.Write(b)
}

func writeError(w http.ResponseWriter, code int, errorCode, message string) {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"code":    errorCode,
			"message": message,
		},
	})

	w.Header().Set("Content-Type", "application/json; odata.metadata=minimal")
	w.WriteHeader(code)
	w.Write(b)
}

// validate rejects records carrying attributes prefixed with "invalid", which lets
// tests provoke a failing write.
func validate(e webapi.Entity) error {
	for k := range e {
		if strings.HasPrefix(k, "invalid") {
			return fmt.Errorf("'%s' is not a valid attribute", k)
		}
	}
	return nil
}

func preferences(r *http.Request) []string {
	prefs := []string{}
	for _, value := range r.Header.Values("Prefer") {
		for _, p := range strings.Split(value, ",") {
			prefs = append(prefs, strings.TrimSpace(p))
		}
	}
	return prefs
}

func returnRepresentation(r *http.Request) bool {
	for _, p := range preferences(r) {
		if p == "return=representation" {
			return true
		}
	}
	return false
}

func maxPageSize(prefer string) int {
	for _, p := range strings.Split(prefer, ",") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(p), "odata.maxpagesize="); ok {
			size, _ := strconv.Atoi(value)
			return size
		}
	}
	return 0
}

func cloneEntity(e webapi.Entity) webapi.Entity {
	c := make(webapi.Entity, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}
