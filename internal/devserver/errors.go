package devserver

import (
	"fmt"
	"net/http"
	"strings"
)

// ApiError is the error body the API returns: a single detail field,
// matching what the production backend sends.
type ApiError struct {
	StatusCode int    `json:"-"`
	Detail     string `json:"detail"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Detail, e.Err.Error())
	}

	return e.Detail
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError(detail string) *ApiError {
	if detail == "" {
		detail = lower(http.StatusText(http.StatusBadRequest))
	}
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Detail:     detail,
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Detail:     lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Detail:     lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Detail:     lower(http.StatusText(http.StatusUnauthorized)),
	}
}
