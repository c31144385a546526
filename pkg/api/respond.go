package api

import (
	"encoding/json"
	"net/http"

	"github.com/acnlabs/acn/pkg/errs"
)

// maxBodyBytes caps request bodies; nothing on this surface needs more.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the error taxonomy onto an HTTP status with a
// {"detail": ...} body, carrying the stable machine code when one exists.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"detail": err.Error()}
	if code := errs.CodeOf(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, errs.HTTPStatus(err), body)
}

// decode reads a bounded JSON body into dst.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.E(errs.Validation, "invalid request body: %v", err)
	}
	return nil
}
