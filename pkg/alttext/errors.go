package alttext

import (
	"errors"
	"fmt"
)

var (
	ErrNotPermitted       = errors.New("caller may not upload files")
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrNotAnImage         = errors.New("attachment is not an image")
	ErrFileMissing        = errors.New("attachment file missing")
	ErrFileTooLarge       = errors.New("attachment file too large")
	ErrQuotaExceeded      = errors.New("free monthly limit reached")
	ErrNoAPIKey           = errors.New("api key not configured")
	ErrTransport          = errors.New("alt text api unreachable")
	ErrMalformedResponse  = errors.New("alt text api returned a malformed response")
	ErrEmptyResult        = errors.New("alt text api returned empty text")
)

// HTTPError is returned when the alt-text API answers with a non-2xx status.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("alt text api status %d", e.Status)
}

// Outcome maps a generation error to a short label used in logs and metrics.
func Outcome(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotPermitted):
		return "not_permitted"
	case errors.Is(err, ErrAttachmentNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAnImage):
		return "not_an_image"
	case errors.Is(err, ErrFileMissing):
		return "file_missing"
	case errors.Is(err, ErrFileTooLarge):
		return "file_too_large"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrNoAPIKey):
		return "no_api_key"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrEmptyResult):
		return "empty_result"
	default:
		return "internal_error"
	}
}
