package errors

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WriteJSON writes err as a typed error document with its HTTP status.
// Untyped errors are reported as internal errors without their message.
func WriteJSON(w http.ResponseWriter, err error) {
	var e *Error
	if !As(err, &e) {
		e = Internal(err, "internal server error")
	}
	code := e.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	body := *e
	body.Code = code
	if e.cause != nil && e.Type != ErrorTypeInternal {
		body.Message = e.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(&body)
}

// FromResponse decodes the typed error carried by a failed response. Bodies
// that are not error documents become internal errors quoting the status.
func FromResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var e Error
	if err := json.Unmarshal(data, &e); err != nil || e.Type == "" {
		return Internal(nil, "unexpected response %s", resp.Status)
	}
	if e.Code == 0 {
		e.Code = resp.StatusCode
	}
	return &e
}

// DecodeDetails re-decodes the details of a decoded error into v.
func DecodeDetails(err error, v any) error {
	var e *Error
	if !As(err, &e) || e.Details == nil {
		return fmt.Errorf("error carries no details")
	}
	raw, merr := json.Marshal(e.Details)
	if merr != nil {
		return merr
	}
	return json.Unmarshal(raw, v)
}
