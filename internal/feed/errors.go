package feed

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Origin classifies where a failure happened.
type Origin int

const (
	OriginTransport Origin = iota + 1
	OriginParse
	OriginStore
)

func (o Origin) String() string {
	switch o {
	case OriginTransport:
		return "transport"
	case OriginParse:
		return "parse"
	case OriginStore:
		return "store"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ErrBadStatus is wrapped by transport errors caused by a non-200 response.
var ErrBadStatus = errors.New("bad status code")

// Error is a failure tagged with its origin. StatusCode is set only for
// responses that came back with a non-200 status.
type Error struct {
	Origin     Origin
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s error: %v", e.Origin, e.Err)
	}
	return fmt.Sprintf("%s error for %s: %v", e.Origin, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the error object returned to API clients.
func (e *Error) MarshalJSON() ([]byte, error) {
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	return json.Marshal(struct {
		Origin     Origin `json:"origin"`
		Detail     string `json:"detail"`
		URL        string `json:"url,omitempty"`
		StatusCode int    `json:"status,omitempty"`
	}{e.Origin, detail, e.URL, e.StatusCode})
}

func transportError(url string, status int, err error) *Error {
	return &Error{Origin: OriginTransport, URL: url, StatusCode: status, Err: err}
}

// ParseError tags err as a parse failure for url.
func ParseError(url string, err error) *Error {
	return &Error{Origin: OriginParse, URL: url, Err: err}
}

// StoreError tags err as a store failure for url.
func StoreError(url string, err error) *Error {
	return &Error{Origin: OriginStore, URL: url, Err: err}
}

// OriginOf returns the origin of the first *Error in err's chain.
func OriginOf(err error) (Origin, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Origin, true
	}
	return 0, false
}
