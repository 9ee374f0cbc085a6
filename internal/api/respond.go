package api

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"

	"servicedeck/internal/service"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: msg, Kind: kind})
}

// classify maps the error taxonomy onto HTTP.
func classify(err error) (int, string) {
	switch {
	case service.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case service.IsUnsupported(err):
		return http.StatusNotImplemented, "unsupported"
	case service.IsExecFailure(err):
		return http.StatusBadGateway, "exec_failure"
	case service.IsConfigError(err):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errors.Timeout):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code, kind := classify(err)
	writeError(w, code, kind, err.Error())
}
