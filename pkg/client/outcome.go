package client

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is the terminal classification of a request.
type Kind string

const (
	KindSuccess     Kind = "success"
	KindNotFound    Kind = "not_found"
	KindClientError Kind = "client_error"
	KindTransient   Kind = "transient"
	KindRateLimited Kind = "rate_limited"
	KindExhausted   Kind = "exhausted"
)

// Kinds lists every outcome kind in reporting order.
var Kinds = []Kind{KindSuccess, KindNotFound, KindClientError, KindTransient, KindRateLimited, KindExhausted}

// Outcome is the result of executing a request.
type Outcome struct {
	Kind       Kind
	StatusCode int

	// Payload is the response body on success. For GraphQL requests it is
	// the "data" member.
	Payload []byte
	Header  http.Header

	// Reason is a short human readable explanation for non-success outcomes.
	Reason string

	// Attempts is the number of calls made. Zero for cache hits and for
	// requests refused because the pool was exhausted.
	Attempts     int
	CredentialID string
	FromCache    bool

	cause error
}

// OK reports whether the request succeeded.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// Class returns the error class of a failed outcome, "" on success.
func (o Outcome) Class() ErrorClass {
	switch o.Kind {
	case KindNotFound, KindClientError:
		return ErrorClassClient
	case KindRateLimited, KindExhausted:
		return ErrorClassRateLimit
	case KindTransient:
		if o.StatusCode == 0 {
			return ErrorClassNetwork
		}
		return ErrorClassServer
	default:
		return ""
	}
}

// Err returns an *APIError for any non-success outcome and nil otherwise.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	return &APIError{
		StatusCode: o.StatusCode,
		ErrorClass: o.Class(),
		Message:    fmt.Sprintf("%s: %s", o.Kind, o.Reason),
		Err:        o.cause,
	}
}

// Decode unmarshals the payload into v.
func (o Outcome) Decode(v any) error {
	if !o.OK() {
		return o.Err()
	}
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
