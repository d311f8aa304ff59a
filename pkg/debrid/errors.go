package debrid

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable debrid error code. Codes survive into playback URLs as
// placeholder video names, so their values must not change.
type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodePaymentRequired     Code = "PAYMENT_REQUIRED"
	CodeStoreLimitExceeded  Code = "STORE_LIMIT_EXCEEDED"
	CodeUnprocessableEntity Code = "UNPROCESSABLE_ENTITY"
	CodeMagnetInvalid       Code = "STORE_MAGNET_INVALID"
	CodeLegalBlock          Code = "UNAVAILABLE_FOR_LEGAL_REASONS"
	CodeNoMatchingFile      Code = "NO_MATCHING_FILE"
	// CodeDownloading is not a failure: the content is on its way, the
	// player just can't have it yet.
	CodeDownloading Code = "DOWNLOADING"
)

// Error is a coded debrid failure. The playback handler redirects coded
// failures to short placeholder videos so the user sees what happened
// inside their player instead of a broken stream.
type Error struct {
	Code    Code
	Service ServiceID
	Msg     string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", ServiceName(e.Service), e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", ServiceName(e.Service), e.Code, e.Msg)
}

// CodeOf extracts the debrid code from an error chain.
func CodeOf(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// PlaceholderURL returns the static placeholder video played for a coded
// outcome, e.g. {baseURL}/static/DOWNLOADING.mp4.
func PlaceholderURL(baseURL string, code Code) string {
	return strings.TrimSuffix(baseURL, "/") + "/static/" + string(code) + ".mp4"
}

// codeFromStatus maps an HTTP response status shared across the service
// APIs to a stable code. Service-specific payload codes take precedence in
// the individual clients.
func codeFromStatus(status int) (Code, bool) {
	switch status {
	case 401:
		return CodeUnauthorized, true
	case 402:
		return CodePaymentRequired, true
	case 403:
		return CodeForbidden, true
	case 422:
		return CodeUnprocessableEntity, true
	case 429, 509:
		return CodeStoreLimitExceeded, true
	case 451:
		return CodeLegalBlock, true
	}
	return "", false
}

// statusError builds the error for a non-2xx service response, coding it
// when the status has a stable meaning.
func statusError(service ServiceID, status int, body []byte) error {
	msg := fmt.Sprintf("bad HTTP response status: %d", status)
	if len(body) > 0 {
		msg = fmt.Sprintf("bad HTTP response status: %d (response body: %q)", status, truncate(body, 200))
	}
	if code, ok := codeFromStatus(status); ok {
		return &Error{Code: code, Service: service, Msg: msg}
	}
	return errors.New(msg)
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
