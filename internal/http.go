package internal

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

type HTTPError struct {
	Status     string
	StatusCode int
	Header     http.Header
	Body       io.Reader
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return e.Status
	}

	return http.StatusText(e.StatusCode)
}

func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Header: http.Header{
			"Content-Type": []string{"text/plain"},
		},
		Body: strings.NewReader(message),
	}
}

func HTTPErrorf(statusCode int, format string, a ...any) *HTTPError {
	return NewHTTPError(statusCode, fmt.Sprintf(format, a...))
}

// WithHeader sets a response header on the error and returns it, so that
// protocol-level headers can be attached to failure responses.
func (e *HTTPError) WithHeader(key, value string) *HTTPError {
	if e.Header == nil {
		e.Header = make(http.Header)
	}

	e.Header.Set(key, value)

	return e
}

func IsHTTPErrorWithStatus(err error, status int) bool {
	var httpErr *HTTPError

	if !errors.As(err, &httpErr) {
		return false
	}

	return httpErr.StatusCode == status
}

func RHandleFunc(
	fn func(http.ResponseWriter, *http.Request, httprouter.Params) error,
) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		err := fn(w, r, p)
		if err != nil {
			WriteHTTPError(w, err)
		}
	}
}

func WriteHTTPError(w http.ResponseWriter, err error) {
	var httpErr *HTTPError

	if !errors.As(err, &httpErr) {
		http.Error(w, "internal server error",
			http.StatusInternalServerError)

		return
	}

	if httpErr.Header != nil {
		for k, v := range httpErr.Header {
			w.Header()[k] = v
		}
	}

	statusCode := httpErr.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}

	w.WriteHeader(statusCode)

	if httpErr.Body != nil {
		_, _ = io.Copy(w, httpErr.Body)
	}
}
