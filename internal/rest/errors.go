package rest

import "fmt"

// RequestError is a non-2xx response from the API. Detail carries the
// server's "detail" field when the body is the usual error shape, the raw
// body otherwise.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Detail)
}
