package connection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/snehar97/text/model"
)

// RequestError is a failed request against the session endpoint.
// StatusCode 0 means no response was received at all (network failure,
// aborted request).
type RequestError struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("no response: %v", e.Err)
	}

	return fmt.Sprintf("status %d", e.StatusCode)
}

// Unwrap exposes the underlying transport error (if any).
func (e *RequestError) Unwrap() error {
	return e.Err
}

// StatusOf returns the HTTP status of a failed request, or 0 when the
// request never got a response (or err is not a request error).
func StatusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}

	return 0
}

// IsNoResponse reports whether the request failed without any response.
func IsNoResponse(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.StatusCode == 0
}

// RejectionOf decodes the push rejection payload carried by a failed
// push/sync request. Returns an empty rejection when there is none.
func RejectionOf(err error) model.PushRejection {
	rejection := model.PushRejection{}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) || len(reqErr.Body) == 0 {
		return rejection
	}

	// A non-JSON body is treated as an empty payload
	_ = json.Unmarshal(reqErr.Body, &rejection)

	return rejection
}
