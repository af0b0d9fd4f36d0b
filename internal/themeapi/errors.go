package themeapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
)

var (
	ErrNotFound       = errors.New("themeapi: not found")
	ErrNoStore        = errors.New("themeapi: store missing")
	ErrNoPassword     = errors.New("themeapi: password missing")
	ErrNoBucket       = errors.New("themeapi: bucket missing")
	ErrInvalidBody    = errors.New("themeapi: invalid asset body")
	ErrUnknownBackend = errors.New("themeapi: unknown backend")
)

// errorBody is the error envelope of the admin api. "errors" is either a
// string or an object keyed by field.
type errorBody struct {
	Errors any `json:"errors"`
}

// APIError is a non-2xx response of the admin api.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %d - %s", e.Status, e.Message)
}

func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// handleAPIError is a helper function that handles the common error pattern
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s %w", operation, requestErr)
	}

	// got a response, but api returned an error
	if resp.IsErrorState() {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s %w", operation, ErrNotFound)
		}

		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if body, ok := resp.ErrorResult().(*errorBody); ok && body.Errors != nil {
			apiErr.Message = errorMessage(body.Errors)
		}
		return fmt.Errorf("%s %w", operation, apiErr)
	}

	return nil
}

func errorMessage(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := jsonMarshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
