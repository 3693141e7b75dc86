package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed request.
type Kind string

const (
	// KindAuth is a rejected or missing credential (401, 403, 422).
	KindAuth Kind = "auth"

	// KindNetwork is a request that produced no response: transport error
	// or timeout.
	KindNetwork Kind = "network"

	// KindAPI is a well-formed error response from the API.
	KindAPI Kind = "api"
)

var (
	// ErrAuth matches every RequestError of KindAuth.
	ErrAuth = errors.New("authentication error")

	// ErrNetwork matches every RequestError of KindNetwork.
	ErrNetwork = errors.New("network error")

	// ErrAPI matches every RequestError of KindAPI.
	ErrAPI = errors.New("api error")
)

// RequestError is the only error type returned by Client.Call.
type RequestError struct {
	Kind     Kind
	Method   string
	Endpoint string
	Status   int    // 0 for network errors
	Message  string // server-provided message when available
	Err      error  // underlying cause, if any
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s error (status %d): %s", e.Method, e.Endpoint, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s %s: %s error: %s", e.Method, e.Endpoint, e.Kind, msg)
}

// Unwrap exposes the kind sentinel and the underlying cause to errors.Is.
func (e *RequestError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *RequestError) sentinel() error {
	switch e.Kind {
	case KindAuth:
		return ErrAuth
	case KindNetwork:
		return ErrNetwork
	default:
		return ErrAPI
	}
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsNetwork reports whether err is a network failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsAPI reports whether err is an API rejection.
func IsAPI(err error) bool {
	return errors.Is(err, ErrAPI)
}

// IsUnavailable reports whether err means the API could not serve the
// request: an auth or network failure. Callers fall back to the cache on
// these; API rejections are surfaced instead.
func IsUnavailable(err error) bool {
	return IsAuth(err) || IsNetwork(err)
}

// classifyStatus maps a non-2xx status code to a failure kind.
func classifyStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return KindAuth
	default:
		return KindAPI
	}
}
