package transport

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// maxBodyInError bounds how much of a response body an error message carries.
const maxBodyInError = 180

var (
	// ErrSoftBlock means an intercepting proxy answered instead of the API and
	// the warm-up retries did not get past it.
	ErrSoftBlock = errors.New("request blocked by proxy")

	// ErrPermanent marks payloads rejected before any request was sent. Server
	// responses never carry it; every non-2xx answer is an ordinary failure.
	ErrPermanent = errors.New("permanent delivery failure")
)

// StatusError is a non-2xx (or non-JSON 2xx) response from the tables API.
type StatusError struct {
	Method      string
	URL         string
	Status      int
	ContentType string
	Body        string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Soft reports whether the response looks like a proxy block page.
func (e *StatusError) Soft() bool {
	return isSoftBlock(e.Status, e.ContentType)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrSoftBlock && e.Soft()
}

// IsPermanent reports whether err came from a payload that cannot be
// addressed at all, so retrying it is pointless.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

func truncateBody(b []byte) string {
	s := string(b)
	if !utf8.ValidString(s) {
		s = string([]rune(s))
	}
	if utf8.RuneCountInString(s) <= maxBodyInError {
		return s
	}
	return string([]rune(s)[:maxBodyInError])
}
